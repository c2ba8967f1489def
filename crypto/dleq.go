package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateDLEQ proves that the same private key a was used for
// A = aG and C_ = aB_ without revealing it. Returns (e, s).
func GenerateDLEQ(
	a *secp256k1.PrivateKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	// R1 = rG
	R1 := r.PubKey()

	// R2 = rB_
	var B_Point, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	secp256k1.ScalarMultNonConst(&r.Key, &B_Point, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	e := HashE([]*secp256k1.PublicKey{R1, R2, a.PubKey(), C_})
	eScalar := secp256k1.PrivKeyFromBytes(e[:])

	// s = r + e*a
	var s secp256k1.ModNScalar
	s.Mul2(&eScalar.Key, &a.Key).Add(&r.Key)

	return eScalar, secp256k1.NewPrivateKey(&s), nil
}

// VerifyDLEQ checks
// R1 = sG - eA
// R2 = sB_ - eC_
// e == hash(R1, R2, A, C_)
func VerifyDLEQ(
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	A *secp256k1.PublicKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	var APoint, eAPoint, sGPoint, R1Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&eNeg, &APoint, &eAPoint)
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sGPoint)
	secp256k1.AddNonConst(&sGPoint, &eAPoint, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	var B_Point, sB_Point, C_Point, eC_Point, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	secp256k1.ScalarMultNonConst(&s.Key, &B_Point, &sB_Point)
	C_.AsJacobian(&C_Point)
	secp256k1.ScalarMultNonConst(&eNeg, &C_Point, &eC_Point)
	secp256k1.AddNonConst(&sB_Point, &eC_Point, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	return e.Key.Equals(&secp256k1.PrivKeyFromBytes(hash[:]).Key)
}

// HashE is sha256 over the concatenated hex of the uncompressed keys.
func HashE(publicKeys []*secp256k1.PublicKey) [32]byte {
	keys := ""
	for _, pk := range publicKeys {
		keys += hex.EncodeToString(pk.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(keys))
}

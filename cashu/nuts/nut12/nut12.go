// Package nut12 verifies the DLEQ proofs defined in [NUT-12]
//
// [NUT-12]: https://github.com/cashubtc/nuts/blob/main/12.md
package nut12

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/crypto"
)

var (
	ErrMissingDLEQ = errors.New("missing DLEQ proof")
	ErrInvalidDLEQ = errors.New("invalid DLEQ proof")
)

// VerifyProofsDLEQ verifies the DLEQ of every proof against the keyset.
// When requireDLEQ is false, proofs without a DLEQ are accepted.
func VerifyProofsDLEQ(proofs cashu.Proofs, keyset crypto.WalletKeyset, requireDLEQ bool) error {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			if requireDLEQ {
				return fmt.Errorf("%w for proof with amount %v", ErrMissingDLEQ, proof.Amount)
			}
			continue
		}

		pubkey, err := keyset.PublicKey(proof.Amount)
		if err != nil {
			return err
		}
		if !VerifyProofDLEQ(proof, pubkey) {
			return fmt.Errorf("%w for proof with amount %v", ErrInvalidDLEQ, proof.Amount)
		}
	}
	return nil
}

// VerifyProofDLEQ checks the DLEQ carried by an unblinded proof. The
// blinding factor r in the DLEQ is used to recover B_ and C_ from the
// secret and C.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	if proof.DLEQ == nil || proof.DLEQ.R == "" {
		return false
	}
	e, s, err := parseChallenge(*proof.DLEQ)
	if err != nil {
		return false
	}
	r, err := parseScalar(proof.DLEQ.R)
	if err != nil {
		return false
	}
	C, err := parsePoint(proof.C)
	if err != nil {
		return false
	}

	B_, _, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	// C_ = C + r*A
	var CPoint, APoint, rA, sum secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rA)
	rA.ToAffine()
	secp256k1.AddNonConst(&CPoint, &rA, &sum)
	sum.ToAffine()
	C_ := secp256k1.NewPublicKey(&sum.X, &sum.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// VerifyBlindSignatureDLEQ checks the DLEQ a mint returns with a blind
// signature C_ on the blinded message B_.
func VerifyBlindSignatureDLEQ(dleq cashu.DLEQProof, A *secp256k1.PublicKey, B_hex, C_hex string) bool {
	e, s, err := parseChallenge(dleq)
	if err != nil {
		return false
	}
	B_, err := parsePoint(B_hex)
	if err != nil {
		return false
	}
	C_, err := parsePoint(C_hex)
	if err != nil {
		return false
	}
	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

func parseChallenge(dleq cashu.DLEQProof) (e, s *secp256k1.PrivateKey, err error) {
	if e, err = parseScalar(dleq.E); err != nil {
		return nil, nil, err
	}
	if s, err = parseScalar(dleq.S); err != nil {
		return nil, nil, err
	}
	return e, s, nil
}

func parseScalar(s string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid scalar length %d", len(b))
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

func parsePoint(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}

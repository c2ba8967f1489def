package mints

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut12"
	"github.com/elnosh/nutpay/cashu/nuts/nut13"
	"github.com/elnosh/nutpay/crypto"
)

var (
	ErrMissingDLEQ = nut12.ErrMissingDLEQ
	ErrInvalidDLEQ = nut12.ErrInvalidDLEQ
)

// outputs are blinded messages together with the secrets and
// blinding factors needed to unblind the mint's signatures.
type outputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

// newOutputs creates one blinded message per amount. With a seed the
// secrets are derived from counters reserved in the ledger before use.
func (f *Facade) newOutputs(ctx context.Context, mint string, keyset crypto.WalletKeyset, amounts []uint64) (outputs, error) {
	n := len(amounts)
	out := outputs{
		messages: make(cashu.BlindedMessages, n),
		secrets:  make([]string, n),
		rs:       make([]*secp256k1.PrivateKey, n),
	}
	if n == 0 {
		return out, nil
	}

	if f.seed != nil {
		keysetPath, err := nut13.DeriveKeysetPath(f.seed.MasterKey(), keyset.Id)
		if err == nil {
			start, err := f.ledger.ReserveCounters(ctx, mint, keyset.Id, uint32(n))
			if err != nil {
				return outputs{}, fmt.Errorf("error reserving keyset counters: %w", err)
			}
			if err := deriveOutputs(out, keyset.Id, keysetPath, start, amounts); err != nil {
				return outputs{}, err
			}
			return out, nil
		}
		f.logger.Warn("keyset cannot be used for deterministic secrets", "keyset", keyset.Id, "error", err)
	}

	for i, amount := range amounts {
		secret, r, err := randomSecret()
		if err != nil {
			return outputs{}, err
		}
		if err := out.set(i, keyset.Id, amount, secret, r); err != nil {
			return outputs{}, err
		}
	}
	return out, nil
}

func deriveOutputs(out outputs, keysetId string, keysetPath *hdkeychain.ExtendedKey, start uint32, amounts []uint64) error {
	for i, amount := range amounts {
		counter := start + uint32(i)
		secret, err := nut13.DeriveSecret(keysetPath, counter)
		if err != nil {
			return err
		}
		r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
		if err != nil {
			return err
		}
		if err := out.set(i, keysetId, amount, secret, r); err != nil {
			return err
		}
	}
	return nil
}

func (o outputs) set(i int, keysetId string, amount uint64, secret string, r *secp256k1.PrivateKey) error {
	B_, r, err := crypto.BlindMessage(secret, r)
	if err != nil {
		return err
	}
	o.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
	o.secrets[i] = secret
	o.rs[i] = r
	return nil
}

func randomSecret() (string, *secp256k1.PrivateKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(secretBytes), r, nil
}

// unblind turns the mint's signatures into proofs. Every signature
// that carries a DLEQ is verified. If requireDLEQ is set a missing
// DLEQ is an error too.
func unblind(
	signatures cashu.BlindedSignatures,
	out outputs,
	keyset crypto.WalletKeyset,
	requireDLEQ bool,
) (cashu.Proofs, error) {
	if len(signatures) > len(out.messages) {
		return nil, ErrSignatureMismatch
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		K, err := keyset.PublicKey(signature.Amount)
		if err != nil {
			return nil, err
		}

		if signature.DLEQ == nil {
			if requireDLEQ {
				return nil, fmt.Errorf("%w for signature with amount %v", ErrMissingDLEQ, signature.Amount)
			}
		} else if !nut12.VerifyBlindSignatureDLEQ(*signature.DLEQ, K, out.messages[i].B_, signature.C_) {
			return nil, fmt.Errorf("%w for signature with amount %v", ErrInvalidDLEQ, signature.Amount)
		}

		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}
		C := crypto.UnblindSignature(C_, out.rs[i], K)

		proof := cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: out.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(out.rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}
	return proofs, nil
}

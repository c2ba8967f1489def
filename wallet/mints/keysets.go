package mints

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/crypto"
)

// Keysets returns every keyset the mint lists. Public keys are only
// present for keysets that have been used.
func (f *Facade) Keysets(ctx context.Context, mint string) ([]crypto.WalletKeyset, error) {
	st, err := f.loadKeysets(ctx, mint, false)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keysets := make([]crypto.WalletKeyset, 0, len(st.keysets))
	for _, keyset := range st.keysets {
		keysets = append(keysets, keyset)
	}
	slices.SortFunc(keysets, func(a, b crypto.WalletKeyset) int {
		return strings.Compare(a.Id, b.Id)
	})
	return keysets, nil
}

func (f *Facade) loadKeysets(ctx context.Context, mint string, force bool) (*mintState, error) {
	st, err := f.state(mint)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fresh := st.keysets != nil && time.Since(st.keysetsFetch) < keysetTTL
	f.mu.Unlock()
	if fresh && !force {
		return st, nil
	}

	keysetsRes, err := st.api.GetAllKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint '%v': %w", mint, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	keysets := make(map[string]crypto.WalletKeyset, len(keysetsRes.Keysets))
	for _, keyset := range keysetsRes.Keysets {
		walletKeyset := crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mint,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
		// keep keys already fetched
		if cached, ok := st.keysets[keyset.Id]; ok {
			walletKeyset.PublicKeys = cached.PublicKeys
		}
		keysets[keyset.Id] = walletKeyset
	}
	st.keysets = keysets
	st.keysetsFetch = time.Now()
	return st, nil
}

// Keyset returns the keyset with id including its public keys.
func (f *Facade) Keyset(ctx context.Context, mint, id string) (crypto.WalletKeyset, error) {
	st, err := f.loadKeysets(ctx, mint, false)
	if err != nil {
		return crypto.WalletKeyset{}, err
	}

	f.mu.Lock()
	keyset, ok := st.keysets[id]
	f.mu.Unlock()
	if !ok {
		st, err = f.loadKeysets(ctx, mint, true)
		if err != nil {
			return crypto.WalletKeyset{}, err
		}
		f.mu.Lock()
		keyset, ok = st.keysets[id]
		f.mu.Unlock()
		if !ok {
			return crypto.WalletKeyset{}, fmt.Errorf("%w '%v' at mint '%v'", ErrUnknownKeyset, id, mint)
		}
	}
	if len(keyset.PublicKeys) > 0 {
		return keyset, nil
	}

	keysRes, err := st.api.GetKeysetById(ctx, id)
	if err != nil {
		return crypto.WalletKeyset{}, fmt.Errorf("error getting keyset '%v': %w", id, err)
	}
	if len(keysRes.Keysets) == 0 {
		return crypto.WalletKeyset{}, fmt.Errorf("%w '%v' at mint '%v'", ErrUnknownKeyset, id, mint)
	}
	publicKeys, err := crypto.MapPubKeys(keysRes.Keysets[0].Keys)
	if err != nil {
		return crypto.WalletKeyset{}, fmt.Errorf("invalid keys for keyset '%v': %v", id, err)
	}
	if err := verifyKeysetId(id, publicKeys); err != nil {
		return crypto.WalletKeyset{}, err
	}

	keyset.PublicKeys = publicKeys
	f.mu.Lock()
	st.keysets[id] = keyset
	f.mu.Unlock()
	return keyset, nil
}

// current version keysets ids commit to their keys. Legacy base64 ids are not checked.
func verifyKeysetId(id string, publicKeys map[uint64]*secp256k1.PublicKey) error {
	if _, err := hex.DecodeString(id); err != nil || !strings.HasPrefix(id, "00") {
		return nil
	}
	if derived := crypto.DeriveKeysetId(publicKeys); derived != id {
		return fmt.Errorf("%w: expected '%v' but derived '%v'", ErrKeysetIdMismatch, id, derived)
	}
	return nil
}

// ActiveKeyset returns the active keyset for the wallet unit with the
// lowest input fee. Keysets with hex ids are preferred.
func (f *Facade) ActiveKeyset(ctx context.Context, mint string) (crypto.WalletKeyset, error) {
	st, err := f.loadKeysets(ctx, mint, false)
	if err != nil {
		return crypto.WalletKeyset{}, err
	}

	f.mu.Lock()
	var candidates []crypto.WalletKeyset
	for _, keyset := range st.keysets {
		if keyset.Active && keyset.Unit == f.unit.String() {
			candidates = append(candidates, keyset)
		}
	}
	f.mu.Unlock()
	if len(candidates) == 0 {
		return crypto.WalletKeyset{}, fmt.Errorf("%w '%v'", ErrNoActiveKeyset, f.unit)
	}

	slices.SortFunc(candidates, func(a, b crypto.WalletKeyset) int {
		aHex, bHex := isHex(a.Id), isHex(b.Id)
		if aHex != bHex {
			if aHex {
				return -1
			}
			return 1
		}
		if a.InputFeePpk != b.InputFeePpk {
			if a.InputFeePpk < b.InputFeePpk {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Id, b.Id)
	})
	return f.Keyset(ctx, mint, candidates[0].Id)
}

func isHex(id string) bool {
	_, err := hex.DecodeString(id)
	return err == nil
}

// InputFee is the fee the mint charges to spend proofs:
// the sum of each keyset's input_fee_ppk, rounded up to a whole unit.
func (f *Facade) InputFee(ctx context.Context, mint string, proofs cashu.Proofs) (uint64, error) {
	st, err := f.loadKeysets(ctx, mint, false)
	if err != nil {
		return 0, err
	}

	var feePpk uint
	for _, proof := range proofs {
		f.mu.Lock()
		keyset, ok := st.keysets[proof.Id]
		f.mu.Unlock()
		if !ok {
			if keyset, err = f.Keyset(ctx, mint, proof.Id); err != nil {
				return 0, err
			}
		}
		feePpk += keyset.InputFeePpk
	}
	return (uint64(feePpk) + 999) / 1000, nil
}

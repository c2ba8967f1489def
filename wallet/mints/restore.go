package mints

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/cashu/nuts/nut09"
	"github.com/elnosh/nutpay/cashu/nuts/nut13"
	"github.com/elnosh/nutpay/wallet/seed"
)

const (
	restoreBatchSize    = 100
	restoreEmptyBatches = 3
)

var ErrRestoreNotSupported = errors.New("mint does not support restoring from seed")

// Restore re-derives the wallet's secrets for every keyset of the mint
// and returns the proofs the mint reports as unspent. Keyset counters
// are moved past the last secret the mint had signed.
func (f *Facade) Restore(ctx context.Context, mint string) (cashu.Proofs, error) {
	if f.seed == nil {
		return nil, seed.ErrNoSeed
	}
	caps, err := f.Capabilities(ctx, mint)
	if err != nil {
		return nil, err
	}
	if !caps.Restore || !caps.CheckState {
		return nil, ErrRestoreNotSupported
	}

	keysets, err := f.Keysets(ctx, mint)
	if err != nil {
		return nil, err
	}

	var restored cashu.Proofs
	for _, keyset := range keysets {
		if keyset.Unit != f.unit.String() {
			continue
		}
		// ignore keysets with non-hex ids
		if _, err := nut13.KeysetIdInt(keyset.Id); err != nil {
			continue
		}

		proofs, err := f.restoreKeyset(ctx, mint, keyset.Id)
		if err != nil {
			return nil, fmt.Errorf("error restoring keyset '%v': %w", keyset.Id, err)
		}
		restored = append(restored, proofs...)
	}
	return restored, nil
}

func (f *Facade) restoreKeyset(ctx context.Context, mint, keysetId string) (cashu.Proofs, error) {
	keyset, err := f.Keyset(ctx, mint, keysetId)
	if err != nil {
		return nil, err
	}
	keysetPath, err := nut13.DeriveKeysetPath(f.seed.MasterKey(), keysetId)
	if err != nil {
		return nil, err
	}
	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}

	var (
		restored  cashu.Proofs
		counter   uint32
		nextCount uint32
	)
	// stop when it reaches 3 consecutive empty batches
	for emptyBatches := 0; emptyBatches < restoreEmptyBatches; counter += restoreBatchSize {
		out := outputs{
			messages: make(cashu.BlindedMessages, restoreBatchSize),
			secrets:  make([]string, restoreBatchSize),
			rs:       make([]*secp256k1.PrivateKey, restoreBatchSize),
		}
		if err := deriveOutputs(out, keysetId, keysetPath, counter, make([]uint64, restoreBatchSize)); err != nil {
			return nil, err
		}

		restoreResponse, err := api.PostRestore(ctx, nut09.PostRestoreRequest{Outputs: out.messages})
		if err != nil {
			return nil, fmt.Errorf("error restoring signatures from mint '%v': %w", mint, err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0
		if len(restoreResponse.Outputs) != len(restoreResponse.Signatures) {
			return nil, ErrSignatureMismatch
		}

		index := make(map[string]int, restoreBatchSize)
		for i, msg := range out.messages {
			index[msg.B_] = i
		}
		matched := outputs{
			messages: make(cashu.BlindedMessages, len(restoreResponse.Outputs)),
			secrets:  make([]string, len(restoreResponse.Outputs)),
			rs:       make([]*secp256k1.PrivateKey, len(restoreResponse.Outputs)),
		}
		for j, output := range restoreResponse.Outputs {
			i, ok := index[output.B_]
			if !ok {
				return nil, errors.New("mint returned an output that was not requested")
			}
			matched.messages[j] = out.messages[i]
			matched.secrets[j] = out.secrets[i]
			matched.rs[j] = out.rs[i]
			if used := counter + uint32(i) + 1; used > nextCount {
				nextCount = used
			}
		}

		proofs, err := unblind(restoreResponse.Signatures, matched, keyset, false)
		if err != nil {
			return nil, err
		}
		unspent, err := f.unspent(ctx, mint, proofs)
		if err != nil {
			return nil, err
		}
		restored = append(restored, unspent...)
	}

	if nextCount > 0 {
		if err := f.ledger.SetCounterAtLeast(ctx, mint, keysetId, nextCount); err != nil {
			return nil, fmt.Errorf("error updating keyset counter: %w", err)
		}
	}
	f.logger.Info("restored keyset", "mint", mint, "keyset", keysetId, "proofs", len(restored), "counter", nextCount)
	return restored, nil
}

func (f *Facade) unspent(ctx context.Context, mint string, proofs cashu.Proofs) (cashu.Proofs, error) {
	states, err := f.CheckProofStates(ctx, mint, proofs)
	if err != nil {
		return nil, err
	}
	var unspent cashu.Proofs
	for _, proof := range proofs {
		if state, ok := states[proof.Secret]; ok && state == nut07.Unspent {
			unspent = append(unspent, proof)
		}
	}
	return unspent, nil
}

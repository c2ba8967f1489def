package ledger

import (
	"context"
	"fmt"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/storage"
)

// keyset counters for deterministic secrets. They share the ledger mutex
// and are persisted before the derived secrets are used.

func counterKey(mint, keysetId string) string {
	return mint + "|" + keysetId
}

func (l *Ledger) loadCounters() (map[string]uint32, error) {
	counters := make(map[string]uint32)
	if _, err := storage.GetJSON(l.store, countersKey, &counters); err != nil {
		return nil, fmt.Errorf("loading keyset counters: %w", err)
	}
	return counters, nil
}

// Counter returns the next unused counter for the keyset.
func (l *Ledger) Counter(ctx context.Context, mint, keysetId string) (uint32, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return 0, err
	}
	counters, err := l.loadCounters()
	if err != nil {
		return 0, err
	}
	return counters[counterKey(mint, keysetId)], nil
}

// ReserveCounters claims n consecutive counters and returns the first one.
// The new value is persisted before returning so a counter is never handed out twice.
func (l *Ledger) ReserveCounters(ctx context.Context, mint, keysetId string, n uint32) (uint32, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return 0, err
	}

	return mutex.Run(ctx, l.mu, func() (uint32, error) {
		counters, err := l.loadCounters()
		if err != nil {
			return 0, err
		}
		key := counterKey(mint, keysetId)
		start := counters[key]
		if start+n < start {
			return 0, fmt.Errorf("keyset counter overflow for keyset '%v'", keysetId)
		}
		counters[key] = start + n
		if err := storage.SetJSON(l.store, countersKey, counters); err != nil {
			return 0, fmt.Errorf("saving keyset counters: %w", err)
		}
		return start, nil
	})
}

// SetCounterAtLeast moves the counter forward to value. Used after restore.
// The counter never moves backwards.
func (l *Ledger) SetCounterAtLeast(ctx context.Context, mint, keysetId string, value uint32) error {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return err
	}

	return mutex.Do(ctx, l.mu, func() error {
		counters, err := l.loadCounters()
		if err != nil {
			return err
		}
		key := counterKey(mint, keysetId)
		if counters[key] >= value {
			return nil
		}
		counters[key] = value
		return storage.SetJSON(l.store, countersKey, counters)
	})
}

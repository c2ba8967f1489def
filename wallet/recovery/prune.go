package recovery

import (
	"context"
	"time"
)

type PrunePolicy struct {
	MintedQuoteRetention  time.Duration
	ExpiredQuoteGrace     time.Duration
	ClaimedTokenRetention time.Duration
	PendingTokenMaxAge    time.Duration
}

func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{
		MintedQuoteRetention:  24 * time.Hour,
		ExpiredQuoteGrace:     24 * time.Hour,
		ClaimedTokenRetention: 7 * 24 * time.Hour,
		PendingTokenMaxAge:    30 * 24 * time.Hour,
	}
}

type PruneResult struct {
	QuotesRemoved int
	TokensRemoved int
	TokensExpired int
}

// Prune applies policy to both stores.
func Prune(ctx context.Context, quotes *MintQuoteStore, tokens *PendingTokenStore, policy PrunePolicy) (PruneResult, error) {
	var result PruneResult
	var err error

	result.QuotesRemoved, err = quotes.prune(ctx, policy)
	if err != nil {
		return result, err
	}
	result.TokensRemoved, result.TokensExpired, err = tokens.prune(ctx, policy)
	if err != nil {
		return result, err
	}
	return result, nil
}

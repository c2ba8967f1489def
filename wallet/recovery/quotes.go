// Package recovery keeps the records needed to recover funds if the
// process dies in the middle of an operation: invoices waiting to be paid
// and tokens that left the wallet without confirmation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/wallet/storage"
	"github.com/google/uuid"
)

const mintQuotesKey = "recovery/mint_quotes"

var (
	ErrQuoteNotFound      = errors.New("mint quote not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTokenNotFound      = errors.New("pending token not found")
	ErrTokenSettled       = errors.New("pending token already settled")
	ErrDuplicateMintQuote = errors.New("mint quote already tracked")
)

type PendingMintQuote struct {
	Id        string          `json:"id"`
	QuoteId   string          `json:"quote_id"`
	Mint      string          `json:"mint"`
	Amount    uint64          `json:"amount"`
	Invoice   string          `json:"invoice"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at"`
	Status    MintQuoteStatus `json:"status"`
	UpdatedAt int64           `json:"updated_at"`
}

type MintQuoteStore struct {
	quotes *collection[PendingMintQuote]
	now    func() time.Time
}

func NewMintQuoteStore(store storage.Store) *MintQuoteStore {
	return &MintQuoteStore{
		quotes: newCollection[PendingMintQuote](store, mintQuotesKey),
		now:    time.Now,
	}
}

// Add tracks a new quote as pending and returns the stored record.
func (s *MintQuoteStore) Add(ctx context.Context, quote PendingMintQuote) (PendingMintQuote, error) {
	mint, err := cashu.NormalizeMintURL(quote.Mint)
	if err != nil {
		return PendingMintQuote{}, err
	}
	now := s.now().Unix()
	quote.Id = uuid.NewString()
	quote.Mint = mint
	quote.Status = QuotePending
	quote.CreatedAt = now
	quote.UpdatedAt = now

	err = s.quotes.update(ctx, func(quotes []PendingMintQuote) ([]PendingMintQuote, error) {
		for _, q := range quotes {
			if q.QuoteId == quote.QuoteId && q.Mint == quote.Mint {
				return nil, fmt.Errorf("%w: %v", ErrDuplicateMintQuote, quote.QuoteId)
			}
		}
		return append(quotes, quote), nil
	})
	if err != nil {
		return PendingMintQuote{}, err
	}
	return quote, nil
}

func (s *MintQuoteStore) List(ctx context.Context) ([]PendingMintQuote, error) {
	return s.quotes.load()
}

// ListUnminted returns quotes in pending or paid status.
func (s *MintQuoteStore) ListUnminted(ctx context.Context) ([]PendingMintQuote, error) {
	quotes, err := s.quotes.load()
	if err != nil {
		return nil, err
	}
	unminted := make([]PendingMintQuote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.Status != QuoteMinted {
			unminted = append(unminted, quote)
		}
	}
	return unminted, nil
}

func (s *MintQuoteStore) Get(ctx context.Context, quoteId string) (PendingMintQuote, error) {
	quotes, err := s.quotes.load()
	if err != nil {
		return PendingMintQuote{}, err
	}
	for _, quote := range quotes {
		if quote.QuoteId == quoteId {
			return quote, nil
		}
	}
	return PendingMintQuote{}, fmt.Errorf("%w: %v", ErrQuoteNotFound, quoteId)
}

// SetStatus moves a quote forward: pending -> paid -> minted.
// Setting the current status again is a no-op.
func (s *MintQuoteStore) SetStatus(ctx context.Context, quoteId string, status MintQuoteStatus) error {
	return s.quotes.update(ctx, func(quotes []PendingMintQuote) ([]PendingMintQuote, error) {
		for i, quote := range quotes {
			if quote.QuoteId != quoteId {
				continue
			}
			if status < quote.Status {
				return nil, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, quote.Status, status)
			}
			quotes[i].Status = status
			quotes[i].UpdatedAt = s.now().Unix()
			return quotes, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrQuoteNotFound, quoteId)
	})
}

// prune removes minted quotes older than the retention and pending quotes
// whose invoice expired more than the grace period ago. Paid quotes are
// never removed since they still hold unclaimed funds.
func (s *MintQuoteStore) prune(ctx context.Context, policy PrunePolicy) (int, error) {
	removed := 0
	now := s.now()
	err := s.quotes.update(ctx, func(quotes []PendingMintQuote) ([]PendingMintQuote, error) {
		removed = 0
		kept := make([]PendingMintQuote, 0, len(quotes))
		for _, quote := range quotes {
			switch quote.Status {
			case QuoteMinted:
				if now.Sub(time.Unix(quote.UpdatedAt, 0)) > policy.MintedQuoteRetention {
					removed++
					continue
				}
			case QuotePending:
				if quote.ExpiresAt > 0 && now.Sub(time.Unix(quote.ExpiresAt, 0)) > policy.ExpiredQuoteGrace {
					removed++
					continue
				}
			}
			kept = append(kept, quote)
		}
		return kept, nil
	})
	return removed, err
}

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/wallet/storage"
	"github.com/google/uuid"
)

const pendingTokensKey = "recovery/pending_tokens"

type PendingToken struct {
	Id      string       `json:"id"`
	Token   string       `json:"token"`
	Amount  uint64       `json:"amount"`
	Mint    string       `json:"mint"`
	Purpose TokenPurpose `json:"purpose"`
	// invoice being paid for lightning_melt tokens
	Destination   string      `json:"destination,omitempty"`
	MeltQuoteId   string      `json:"melt_quote_id,omitempty"`
	TransactionId string      `json:"transaction_id,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
	Status        TokenStatus `json:"status"`
}

type PendingTokenStore struct {
	tokens *collection[PendingToken]
	now    func() time.Time
}

func NewPendingTokenStore(store storage.Store) *PendingTokenStore {
	return &PendingTokenStore{
		tokens: newCollection[PendingToken](store, pendingTokensKey),
		now:    time.Now,
	}
}

// Add persists token as pending and returns the stored record.
func (s *PendingTokenStore) Add(ctx context.Context, token PendingToken) (PendingToken, error) {
	mint, err := cashu.NormalizeMintURL(token.Mint)
	if err != nil {
		return PendingToken{}, err
	}
	now := s.now().Unix()
	token.Id = uuid.NewString()
	token.Mint = mint
	token.Status = TokenPending
	token.CreatedAt = now
	token.UpdatedAt = now

	err = s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		return append(tokens, token), nil
	})
	if err != nil {
		return PendingToken{}, err
	}
	return token, nil
}

func (s *PendingTokenStore) List(ctx context.Context) ([]PendingToken, error) {
	return s.tokens.load()
}

func (s *PendingTokenStore) ListByStatus(ctx context.Context, status TokenStatus) ([]PendingToken, error) {
	tokens, err := s.tokens.load()
	if err != nil {
		return nil, err
	}
	filtered := make([]PendingToken, 0, len(tokens))
	for _, token := range tokens {
		if token.Status == status {
			filtered = append(filtered, token)
		}
	}
	return filtered, nil
}

func (s *PendingTokenStore) Get(ctx context.Context, id string) (PendingToken, error) {
	tokens, err := s.tokens.load()
	if err != nil {
		return PendingToken{}, err
	}
	for _, token := range tokens {
		if token.Id == id {
			return token, nil
		}
	}
	return PendingToken{}, fmt.Errorf("%w: %v", ErrTokenNotFound, id)
}

func (s *PendingTokenStore) SetStatus(ctx context.Context, id string, status TokenStatus) error {
	return s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		for i, token := range tokens {
			if token.Id != id {
				continue
			}
			// claimed is terminal
			if token.Status == TokenClaimed && status != TokenClaimed {
				return nil, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, token.Status, status)
			}
			tokens[i].Status = status
			tokens[i].UpdatedAt = s.now().Unix()
			return tokens, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenNotFound, id)
	})
}

func (s *PendingTokenStore) MarkClaimed(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, TokenClaimed)
}

// Settle marks the token claimed. Only one caller can settle a token,
// the others get ErrTokenSettled.
func (s *PendingTokenStore) Settle(ctx context.Context, id string) error {
	return s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		for i, token := range tokens {
			if token.Id != id {
				continue
			}
			if token.Status == TokenClaimed {
				return nil, fmt.Errorf("%w: %v", ErrTokenSettled, id)
			}
			tokens[i].Status = TokenClaimed
			tokens[i].UpdatedAt = s.now().Unix()
			return tokens, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenNotFound, id)
	})
}

// Discard deletes the token if it is still pending.
func (s *PendingTokenStore) Discard(ctx context.Context, id string) error {
	return s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		for i, token := range tokens {
			if token.Id != id {
				continue
			}
			if token.Status != TokenPending {
				return nil, fmt.Errorf("%w: %v", ErrTokenSettled, id)
			}
			return append(tokens[:i], tokens[i+1:]...), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenNotFound, id)
	})
}

// Remove deletes the record. Removing an unknown id is not an error.
func (s *PendingTokenStore) Remove(ctx context.Context, id string) error {
	return s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		kept := make([]PendingToken, 0, len(tokens))
		for _, token := range tokens {
			if token.Id != id {
				kept = append(kept, token)
			}
		}
		return kept, nil
	})
}

// prune removes claimed tokens past the retention and marks old
// manual_send tokens as expired. Expired tokens are kept so they can
// still be reclaimed. lightning_melt tokens are resolved by
// reconciliation and never expire here.
func (s *PendingTokenStore) prune(ctx context.Context, policy PrunePolicy) (removed int, expired int, err error) {
	now := s.now()
	err = s.tokens.update(ctx, func(tokens []PendingToken) ([]PendingToken, error) {
		removed, expired = 0, 0
		kept := make([]PendingToken, 0, len(tokens))
		for _, token := range tokens {
			switch token.Status {
			case TokenClaimed:
				if now.Sub(time.Unix(token.UpdatedAt, 0)) > policy.ClaimedTokenRetention {
					removed++
					continue
				}
			case TokenPending:
				if token.Purpose == ManualSend &&
					now.Sub(time.Unix(token.CreatedAt, 0)) > policy.PendingTokenMaxAge {
					token.Status = TokenExpired
					token.UpdatedAt = now.Unix()
					expired++
				}
			}
			kept = append(kept, token)
		}
		return kept, nil
	})
	return removed, expired, err
}

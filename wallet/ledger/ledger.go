// Package ledger holds the wallet's proofs. A proof is either LIVE (spendable)
// or PENDING_SPEND (reserved by an outgoing operation that has not been
// confirmed). Every mutation happens inside the ledger mutex and is
// persisted with a single write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/storage"
)

const (
	proofsKey   = "ledger/proofs"
	countersKey = "ledger/counters"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrDuplicateProof    = errors.New("proof already in ledger")
	ErrProofNotLive      = errors.New("proof is not live")
)

type StoredProof struct {
	cashu.Proof
	Mint       string      `json:"mint"`
	ReceivedAt int64       `json:"received_at"`
	Status     ProofStatus `json:"status"`
}

// Selection is the result of coin selection.
type Selection struct {
	Proofs cashu.Proofs
	Total  uint64
}

type Ledger struct {
	store  storage.Store
	mu     *mutex.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// New returns a ledger persisted in store. mu guards every mutation and
// can be shared with other state that must change together with the ledger.
func New(store storage.Store, mu *mutex.Mutex, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		mu:     mu,
		logger: logger,
		now:    time.Now,
	}
}

// load returns all stored proofs. A decrypt error is returned as is
// and never treated as an empty ledger.
func (l *Ledger) load() ([]StoredProof, error) {
	var proofs []StoredProof
	if _, err := storage.GetJSON(l.store, proofsKey, &proofs); err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	return proofs, nil
}

func (l *Ledger) save(proofs []StoredProof) error {
	if err := storage.SetJSON(l.store, proofsKey, proofs); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	return nil
}

// update runs fn over the current proofs inside the mutex and persists
// the returned slice. Nothing is written if fn returns an error.
func (l *Ledger) update(ctx context.Context, fn func([]StoredProof) ([]StoredProof, error)) error {
	return mutex.Do(ctx, l.mu, func() error {
		proofs, err := l.load()
		if err != nil {
			return err
		}
		updated, err := fn(proofs)
		if err != nil {
			return err
		}
		return l.save(updated)
	})
}

func (l *Ledger) List(ctx context.Context) ([]StoredProof, error) {
	return l.load()
}

func (l *Ledger) ListLive(ctx context.Context, mint string) ([]StoredProof, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return nil, err
	}
	proofs, err := l.load()
	if err != nil {
		return nil, err
	}
	return filter(proofs, func(p StoredProof) bool {
		return p.Status == Live && p.Mint == mint
	}), nil
}

func (l *Ledger) ListPendingSpend(ctx context.Context) ([]StoredProof, error) {
	proofs, err := l.load()
	if err != nil {
		return nil, err
	}
	return filter(proofs, func(p StoredProof) bool {
		return p.Status == PendingSpend
	}), nil
}

// BalanceByMint sums LIVE proofs per mint.
func (l *Ledger) BalanceByMint(ctx context.Context) (map[string]uint64, error) {
	proofs, err := l.load()
	if err != nil {
		return nil, err
	}
	balances := make(map[string]uint64)
	for _, proof := range proofs {
		if proof.Status == Live {
			balances[proof.Mint] += proof.Amount
		}
	}
	return balances, nil
}

func (l *Ledger) TotalBalance(ctx context.Context) (uint64, error) {
	balances, err := l.BalanceByMint(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, balance := range balances {
		total += balance
	}
	return total, nil
}

// AddProofs stores proofs as LIVE. It fails without writing anything
// if any secret is already in the ledger or repeated in proofs.
func (l *Ledger) AddProofs(ctx context.Context, mint string, proofs cashu.Proofs) error {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return nil
	}

	return l.update(ctx, func(stored []StoredProof) ([]StoredProof, error) {
		updated, err := l.appendLive(stored, mint, proofs)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("added proofs", slog.String("mint", mint),
			slog.Int("count", len(proofs)), slog.Uint64("amount", proofs.Amount()))
		return updated, nil
	})
}

func (l *Ledger) appendLive(stored []StoredProof, mint string, proofs cashu.Proofs) ([]StoredProof, error) {
	secrets := secretSet(stored)
	receivedAt := l.now().Unix()
	for _, proof := range proofs {
		if _, ok := secrets[proof.Secret]; ok {
			return nil, fmt.Errorf("%w: amount %v", ErrDuplicateProof, proof.Amount)
		}
		secrets[proof.Secret] = struct{}{}
		stored = append(stored, StoredProof{
			Proof:      proof,
			Mint:       mint,
			ReceivedAt: receivedAt,
			Status:     Live,
		})
	}
	return stored, nil
}

// MarkPendingSpend flips exactly the given proofs from LIVE to PENDING_SPEND.
// Every proof must be present and LIVE, otherwise nothing changes.
func (l *Ledger) MarkPendingSpend(ctx context.Context, proofs cashu.Proofs) error {
	return l.update(ctx, func(stored []StoredProof) ([]StoredProof, error) {
		if err := markPending(stored, proofs); err != nil {
			return nil, err
		}
		return stored, nil
	})
}

func markPending(stored []StoredProof, proofs cashu.Proofs) error {
	index := indexBySecret(stored)
	for _, proof := range proofs {
		i, ok := index[proof.Secret]
		if !ok || stored[i].Status != Live {
			return fmt.Errorf("%w: amount %v", ErrProofNotLive, proof.Amount)
		}
	}
	for _, proof := range proofs {
		stored[index[proof.Secret]].Status = PendingSpend
	}
	return nil
}

// RevertPendingSpend flips the given proofs that are PENDING_SPEND back to LIVE.
// Proofs that are LIVE or no longer in the ledger are ignored.
// It returns how many proofs were reverted.
func (l *Ledger) RevertPendingSpend(ctx context.Context, proofs cashu.Proofs) (int, error) {
	reverted := 0
	err := l.update(ctx, func(stored []StoredProof) ([]StoredProof, error) {
		reverted = 0
		index := indexBySecret(stored)
		for _, proof := range proofs {
			i, ok := index[proof.Secret]
			if ok && stored[i].Status == PendingSpend {
				stored[i].Status = Live
				reverted++
			}
		}
		return stored, nil
	})
	if err != nil {
		return 0, err
	}
	if reverted > 0 {
		l.logger.Debug("reverted pending proofs", slog.Int("count", reverted))
	}
	return reverted, nil
}

// FinalizePendingSpend removes spent and adds change as LIVE for mint
// in one write. Unrelated proofs are left untouched.
func (l *Ledger) FinalizePendingSpend(ctx context.Context, spent, change cashu.Proofs, mint string) error {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return err
	}

	return l.update(ctx, func(stored []StoredProof) ([]StoredProof, error) {
		spentSecrets := make(map[string]struct{}, len(spent))
		for _, proof := range spent {
			spentSecrets[proof.Secret] = struct{}{}
		}
		remaining := filter(stored, func(p StoredProof) bool {
			_, isSpent := spentSecrets[p.Secret]
			return !isSpent
		})

		updated, err := l.appendLive(remaining, mint, change)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("finalized spend", slog.String("mint", mint),
			slog.Uint64("spent", spent.Amount()), slog.Uint64("change", change.Amount()))
		return updated, nil
	})
}

// SelectForAmount picks LIVE proofs for mint, largest first, until their total
// reaches target. It does not reserve them.
func (l *Ledger) SelectForAmount(ctx context.Context, mint string, target uint64) (Selection, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return Selection{}, err
	}
	stored, err := l.load()
	if err != nil {
		return Selection{}, err
	}
	return selectForAmount(stored, mint, target)
}

// SelectAndReserve selects proofs and marks them PENDING_SPEND atomically,
// so two concurrent callers can never be handed the same proof.
func (l *Ledger) SelectAndReserve(ctx context.Context, mint string, target uint64) (Selection, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return Selection{}, err
	}

	var selection Selection
	err = l.update(ctx, func(stored []StoredProof) ([]StoredProof, error) {
		sel, err := selectForAmount(stored, mint, target)
		if err != nil {
			return nil, err
		}
		if err := markPending(stored, sel.Proofs); err != nil {
			return nil, err
		}
		selection = sel
		return stored, nil
	})
	if err != nil {
		return Selection{}, err
	}

	l.logger.Debug("reserved proofs", slog.String("mint", mint),
		slog.Uint64("target", target), slog.Uint64("selected", selection.Total))
	return selection, nil
}

func selectForAmount(stored []StoredProof, mint string, target uint64) (Selection, error) {
	if target == 0 {
		return Selection{}, ErrInvalidAmount
	}

	candidates := filter(stored, func(p StoredProof) bool {
		return p.Status == Live && p.Mint == mint
	})
	// stable so that equal amounts keep ledger order
	slices.SortStableFunc(candidates, func(a, b StoredProof) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	selection := Selection{Proofs: cashu.Proofs{}}
	for _, candidate := range candidates {
		if selection.Total >= target {
			break
		}
		selection.Proofs = append(selection.Proofs, candidate.Proof)
		selection.Total += candidate.Amount
	}

	if selection.Total < target {
		return Selection{}, fmt.Errorf("%w: have %v, need %v", ErrInsufficientFunds, selection.Total, target)
	}
	return selection, nil
}

func filter(proofs []StoredProof, keep func(StoredProof) bool) []StoredProof {
	filtered := make([]StoredProof, 0, len(proofs))
	for _, proof := range proofs {
		if keep(proof) {
			filtered = append(filtered, proof)
		}
	}
	return filtered
}

func indexBySecret(proofs []StoredProof) map[string]int {
	index := make(map[string]int, len(proofs))
	for i, proof := range proofs {
		index[proof.Secret] = i
	}
	return index
}

func secretSet(proofs []StoredProof) map[string]struct{} {
	secrets := make(map[string]struct{}, len(proofs))
	for _, proof := range proofs {
		secrets[proof.Secret] = struct{}{}
	}
	return secrets
}

// Proofs strips the local metadata.
func Proofs(stored []StoredProof) cashu.Proofs {
	proofs := make(cashu.Proofs, len(stored))
	for i, proof := range stored {
		proofs[i] = proof.Proof
	}
	return proofs
}

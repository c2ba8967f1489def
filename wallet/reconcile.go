package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/recovery"
)

type ReconcileResult struct {
	MeltsPaid      int `json:"melts_paid"`
	MeltsFailed    int `json:"melts_failed"`
	TokensClaimed  int `json:"tokens_claimed"`
	ProofsRemoved  int `json:"proofs_removed"`
	ProofsReverted int `json:"proofs_reverted"`
	QuotesMinted   int `json:"quotes_minted"`
	QuotesWatched  int `json:"quotes_watched"`

	Pruned recovery.PruneResult `json:"pruned"`
}

// Reconcile resolves state left behind by operations that did not finish:
// pending lightning payments, reserved proofs no operation is holding and
// mint quotes that were paid but not minted. Mints that cannot be reached
// are skipped and their state is left as is for the next run.
func (w *Wallet) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	// proofs of melts that are still unresolved after this step
	unresolved, err := w.reconcileMelts(ctx, &result)
	if err != nil {
		return result, err
	}
	if err := w.reconcileSends(ctx, &result); err != nil {
		return result, err
	}
	if err := w.reconcileReserved(ctx, unresolved, &result); err != nil {
		return result, err
	}
	if err := w.reconcileMintQuotes(ctx, &result); err != nil {
		return result, err
	}

	pruned, err := recovery.Prune(ctx, w.quotes, w.tokens, recovery.DefaultPrunePolicy())
	if err != nil {
		return result, fmt.Errorf("error pruning recovery stores: %w", err)
	}
	result.Pruned = pruned

	w.logger.Info("reconciled wallet",
		"melts_paid", result.MeltsPaid,
		"melts_failed", result.MeltsFailed,
		"proofs_removed", result.ProofsRemoved,
		"proofs_reverted", result.ProofsReverted,
		"quotes_minted", result.QuotesMinted)
	return result, nil
}

func (w *Wallet) reconcileMelts(ctx context.Context, result *ReconcileResult) (map[string]struct{}, error) {
	tokens, err := w.tokens.ListByStatus(ctx, recovery.TokenPending)
	if err != nil {
		return nil, err
	}

	unresolved := make(map[string]struct{})
	for _, pending := range tokens {
		if pending.Purpose != recovery.LightningMelt {
			continue
		}
		token, err := cashu.DecodeToken(pending.Token)
		if err != nil {
			w.logger.Error("invalid pending melt token", "id", pending.Id, "error", err)
			continue
		}
		proofs := token.Proofs()
		if w.anyInflight(proofs) {
			addSecrets(unresolved, proofs)
			continue
		}

		quote, err := w.mints.MeltQuoteState(ctx, pending.Mint, pending.MeltQuoteId)
		if err != nil {
			w.logger.Warn("could not get melt quote state", "mint", pending.Mint,
				"quote", pending.MeltQuoteId, "error", err)
			addSecrets(unresolved, proofs)
			continue
		}

		switch quote.State {
		case nut05.Paid:
			if w.finalizeMelt(ctx, pending.Mint, proofs, nil, pending.Id, pending.TransactionId) {
				result.MeltsPaid++
			}
		case nut05.Unpaid:
			// the payment may have settled it since the tokens were listed
			err := w.tokens.Discard(ctx, pending.Id)
			if errors.Is(err, recovery.ErrTokenSettled) || errors.Is(err, recovery.ErrTokenNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if _, err := w.ledger.RevertPendingSpend(ctx, proofs); err != nil {
				return nil, err
			}
			w.failTx(ctx, pending.TransactionId, errors.New("lightning payment failed"))
			result.MeltsFailed++
		default:
			addSecrets(unresolved, proofs)
		}
	}
	return unresolved, nil
}

// reconcileSends marks send tokens claimed once the mint reports them spent.
func (w *Wallet) reconcileSends(ctx context.Context, result *ReconcileResult) error {
	tokens, err := w.tokens.ListByStatus(ctx, recovery.TokenPending)
	if err != nil {
		return err
	}
	for _, pending := range tokens {
		if pending.Purpose != recovery.ManualSend {
			continue
		}
		spent, err := w.tokenSpent(ctx, pending)
		if err != nil {
			w.logger.Debug("could not check pending token", "id", pending.Id, "error", err)
			continue
		}
		if spent {
			if err := w.tokens.MarkClaimed(ctx, pending.Id); err != nil {
				return err
			}
			result.TokensClaimed++
		}
	}
	return nil
}

// reconcileReserved settles PENDING_SPEND proofs that no running operation
// holds: spent ones are removed and unspent ones go back to LIVE.
func (w *Wallet) reconcileReserved(ctx context.Context, skip map[string]struct{}, result *ReconcileResult) error {
	w.reserveMu.Lock()
	reserved, err := w.ledger.ListPendingSpend(ctx)
	byMint := make(map[string]cashu.Proofs)
	if err == nil {
		for _, proof := range reserved {
			if _, ok := skip[proof.Secret]; ok || w.isInflight(proof.Secret) {
				continue
			}
			byMint[proof.Mint] = append(byMint[proof.Mint], proof.Proof)
		}
	}
	w.reserveMu.Unlock()
	if err != nil {
		return err
	}

	for mint, proofs := range byMint {
		states, err := w.mints.CheckProofStates(ctx, mint, proofs)
		if err != nil {
			w.logger.Warn("could not check reserved proofs", "mint", mint, "error", err)
			continue
		}

		var spent, unspent cashu.Proofs
		for _, proof := range proofs {
			state, ok := states[proof.Secret]
			if !ok {
				continue
			}
			switch state {
			case nut07.Spent:
				spent = append(spent, proof)
			case nut07.Unspent:
				unspent = append(unspent, proof)
			}
		}

		if len(spent) > 0 {
			if err := w.ledger.FinalizePendingSpend(ctx, spent, nil, mint); err != nil {
				return err
			}
			result.ProofsRemoved += len(spent)
		}
		if len(unspent) > 0 {
			reverted, err := w.ledger.RevertPendingSpend(ctx, unspent)
			if err != nil {
				return err
			}
			result.ProofsReverted += reverted
		}
	}
	return nil
}

// reconcileMintQuotes mints paid quotes and watches the ones still unpaid.
func (w *Wallet) reconcileMintQuotes(ctx context.Context, result *ReconcileResult) error {
	quotes, err := w.quotes.ListUnminted(ctx)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, quote := range quotes {
		state, err := w.mints.MintQuoteState(ctx, quote.Mint, quote.QuoteId)
		if err != nil {
			w.logger.Warn("could not get mint quote state", "mint", quote.Mint, "quote", quote.QuoteId, "error", err)
			continue
		}

		switch state.State {
		case nut04.Paid:
			if err := w.quotes.SetStatus(ctx, quote.QuoteId, recovery.QuotePaid); err != nil {
				return err
			}
			mint := w.MintProofsFromQuote(ctx, quote.Mint, quote.Amount, quote.QuoteId)
			if !mint.Success {
				w.logger.Error("could not mint paid quote", "quote", quote.QuoteId, "error", mint.Error)
				continue
			}
			result.QuotesMinted++
		case nut04.Issued:
			if err := w.quotes.SetStatus(ctx, quote.QuoteId, recovery.QuoteMinted); err != nil {
				return err
			}
		case nut04.Unpaid:
			if quote.ExpiresAt > 0 && quote.ExpiresAt < now {
				continue
			}
			if err := w.SubscribeMintQuote(quote.Mint, quote.QuoteId); err != nil {
				return err
			}
			result.QuotesWatched++
		}
	}
	return nil
}

func (w *Wallet) anyInflight(proofs cashu.Proofs) bool {
	for _, proof := range proofs {
		if w.isInflight(proof.Secret) {
			return true
		}
	}
	return false
}

func addSecrets(set map[string]struct{}, proofs cashu.Proofs) {
	for _, proof := range proofs {
		set[proof.Secret] = struct{}{}
	}
}

// Restore recovers the proofs derived from the wallet seed that mint still
// reports as unspent and adds the ones missing from the ledger.
func (w *Wallet) Restore(ctx context.Context, mint string) ReceiveResult {
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return ReceiveResult{}.withErr(err)
	}
	result := ReceiveResult{Mint: mint}

	restored, err := w.mints.Restore(ctx, mint)
	if err != nil {
		return result.withErr(err)
	}

	stored, err := w.ledger.List(ctx)
	if err != nil {
		return result.withErr(err)
	}
	known := make(map[string]struct{}, len(stored))
	for _, proof := range stored {
		known[proof.Secret] = struct{}{}
	}
	var missing cashu.Proofs
	for _, proof := range restored {
		if _, ok := known[proof.Secret]; !ok {
			missing = append(missing, proof)
		}
	}

	if len(missing) > 0 {
		if err := w.ledger.AddProofs(ctx, mint, missing); err != nil {
			return result.withErr(fmt.Errorf("could not store restored proofs: %w", err))
		}
		tx := w.recordTx(ctx, history.Transaction{
			Type:   history.Receive,
			Amount: missing.Amount(),
			Mint:   mint,
			Origin: "restore",
			Status: history.Completed,
		})
		result.TransactionId = tx.Id
	}
	w.logger.Info("restored proofs", "mint", mint, "amount", missing.Amount())

	result.Success = true
	result.Amount = missing.Amount()
	return result
}

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/recovery"
)

var (
	ErrTokenSpent        = errors.New("token was already spent")
	ErrTokenNotPending   = errors.New("token is not pending")
	ErrCannotReclaimMelt = errors.New("lightning payments are resolved by reconciliation")
)

func (w *Wallet) PendingTokens(ctx context.Context) ([]recovery.PendingToken, error) {
	return w.tokens.List(ctx)
}

// CheckPendingToken asks the mint about the proofs of a pending send
// token and marks it claimed once all of them are spent.
func (w *Wallet) CheckPendingToken(ctx context.Context, id string) (recovery.TokenStatus, error) {
	pending, err := w.tokens.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if pending.Status == recovery.TokenClaimed {
		return pending.Status, nil
	}
	if pending.Purpose != recovery.ManualSend {
		return pending.Status, nil
	}

	spent, err := w.tokenSpent(ctx, pending)
	if err != nil {
		return pending.Status, err
	}
	if spent {
		if err := w.tokens.MarkClaimed(ctx, id); err != nil {
			return pending.Status, err
		}
		return recovery.TokenClaimed, nil
	}
	return pending.Status, nil
}

// tokenSpent reports whether every proof of the token is spent.
func (w *Wallet) tokenSpent(ctx context.Context, pending recovery.PendingToken) (bool, error) {
	token, err := cashu.DecodeToken(pending.Token)
	if err != nil {
		return false, err
	}
	states, err := w.mints.CheckProofStates(ctx, pending.Mint, token.Proofs())
	if err != nil {
		return false, err
	}
	for _, proof := range token.Proofs() {
		if states[proof.Secret] != nut07.Spent {
			return false, nil
		}
	}
	return true, nil
}

// ReclaimPendingToken receives a send token that was never claimed back
// into the wallet.
func (w *Wallet) ReclaimPendingToken(ctx context.Context, id string) ReceiveResult {
	pending, err := w.tokens.Get(ctx, id)
	if err != nil {
		return ReceiveResult{}.withErr(err)
	}
	result := ReceiveResult{Mint: pending.Mint}
	if pending.Purpose == recovery.LightningMelt {
		return result.withErr(ErrCannotReclaimMelt)
	}
	if pending.Status == recovery.TokenClaimed {
		return result.withErr(fmt.Errorf("%w: status %v", ErrTokenNotPending, pending.Status))
	}

	token, err := cashu.DecodeToken(pending.Token)
	if err != nil {
		return result.withErr(err)
	}
	ctx = detach(ctx)
	received, fee, err := w.receiveProofs(ctx, pending.Mint, token.Proofs())
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) {
			// the mint rejects spent proofs, find out if that is why
			if spent, serr := w.tokenSpent(ctx, pending); serr == nil && spent {
				if err := w.tokens.MarkClaimed(ctx, id); err != nil {
					w.logger.Warn("could not update pending token", "id", id, "error", err)
				}
				return result.withErr(ErrTokenSpent)
			}
		}
		return result.withErr(err)
	}
	if err := w.tokens.MarkClaimed(ctx, id); err != nil {
		w.logger.Warn("could not update pending token", "id", id, "error", err)
	}

	tx := w.recordTx(ctx, history.Transaction{
		Type:   history.Receive,
		Amount: received.Amount(),
		Mint:   pending.Mint,
		Origin: "reclaim",
		Status: history.Completed,
	})
	w.logger.Info("reclaimed pending token", "id", id, "amount", received.Amount(), "fee", fee)

	result.Success = true
	result.Amount = received.Amount()
	result.Fee = fee
	result.TransactionId = tx.Id
	return result
}

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/recovery"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var ErrPaymentPending = errors.New("payment outcome unknown, left pending")

// RequestMeltQuote validates invoice and asks mint how much paying it costs.
func (w *Wallet) RequestMeltQuote(ctx context.Context, mint, invoice string) MeltQuoteResult {
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return MeltQuoteResult{}.withErr(err)
	}
	result := MeltQuoteResult{Mint: mint}

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return result.withErr(fmt.Errorf("%w: %v", ErrInvalidInvoice, err))
	}
	if bolt11.MSatoshi == 0 {
		return result.withErr(fmt.Errorf("%w: invoice has no amount", ErrInvalidInvoice))
	}

	quote, err := w.mints.RequestMeltQuote(ctx, mint, invoice)
	if err != nil {
		return result.withErr(err)
	}
	result.Success = true
	result.QuoteId = quote.Quote
	result.Amount = quote.Amount
	result.FeeReserve = quote.FeeReserve
	result.Expiry = quote.Expiry
	return result
}

// Pay requests a melt quote for invoice and pays it.
func (w *Wallet) Pay(ctx context.Context, mint, invoice string) PaymentResult {
	quote := w.RequestMeltQuote(ctx, mint, invoice)
	if !quote.Success {
		return PaymentResult{Mint: quote.Mint}.withErr(quote.Err)
	}
	return w.PayLightningInvoice(ctx, quote.Mint, invoice, quote.QuoteId, quote.Amount, quote.FeeReserve)
}

// PayLightningInvoice melts proofs worth amount plus feeReserve to pay
// invoice through quote. The reserved proofs are saved as a pending token
// before they are sent. If the melt fails the quote state decides: PAID
// finalizes the spend, UNPAID returns the proofs and anything else leaves
// them pending for reconciliation.
func (w *Wallet) PayLightningInvoice(ctx context.Context, mint, invoice, quoteId string, amount, feeReserve uint64) PaymentResult {
	if amount == 0 {
		return PaymentResult{}.withErr(ledger.ErrInvalidAmount)
	}
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return PaymentResult{}.withErr(err)
	}
	result := PaymentResult{Mint: mint}

	selection, _, err := w.reserve(ctx, mint, amount+feeReserve)
	if err != nil {
		return result.withErr(err)
	}
	defer w.releaseInflight(selection.Proofs)
	proofs := selection.Proofs
	ctx = detach(ctx)

	tx := w.recordTx(ctx, history.Transaction{
		Type:   history.Payment,
		Amount: amount,
		Mint:   mint,
		Origin: invoice,
		Status: history.Pending,
	})
	result.TransactionId = tx.Id

	pending, err := w.persistMeltToken(ctx, mint, invoice, quoteId, tx.Id, proofs)
	if err != nil {
		w.revert(ctx, proofs)
		w.failTx(ctx, tx.Id, err)
		return result.withErr(err)
	}
	result.PendingTokenId = pending.Id

	melt, meltErr := w.mints.Melt(ctx, mint, quoteId, proofs, feeReserve)
	if meltErr == nil && melt.State == nut05.Paid {
		if melt.ChangeErr != nil {
			w.logger.Error("could not unblind change from melt, finalizing without it",
				"mint", mint, "quote", quoteId, "error", melt.ChangeErr)
		}
		w.finalizeMelt(ctx, mint, proofs, melt.Change, pending.Id, tx.Id)

		result.Success = true
		result.Preimage = melt.Preimage
		result.Change = melt.Change.Amount()
		result.Amount = proofs.Amount() - result.Change
		w.logger.Info("paid invoice", "mint", mint, "amount", result.Amount, "quote", quoteId)
		return result
	}
	if meltErr == nil {
		meltErr = fmt.Errorf("melt quote state is %v", melt.State)
	}
	w.logger.Warn("melt did not succeed, checking quote state", "mint", mint, "quote", quoteId, "error", meltErr)

	// the payment may have gone through even if the request failed
	quote, err := w.mints.MeltQuoteState(ctx, mint, quoteId)
	switch {
	case err == nil && quote.State == nut05.Paid:
		w.finalizeMelt(ctx, mint, proofs, nil, pending.Id, tx.Id)
		result.Success = true
		result.Preimage = quote.Preimage
		result.Amount = proofs.Amount()
		w.logger.Info("invoice was paid despite melt error", "mint", mint, "quote", quoteId)
		return result

	case err == nil && quote.State == nut05.Unpaid:
		w.revert(ctx, proofs)
		if err := w.tokens.Remove(ctx, pending.Id); err != nil {
			w.logger.Error("could not remove pending token", "id", pending.Id, "error", err)
		}
		w.failTx(ctx, tx.Id, meltErr)
		result.PendingTokenId = ""
		return result.withErr(meltErr)

	default:
		if err != nil {
			w.logger.Warn("could not get melt quote state", "mint", mint, "quote", quoteId, "error", err)
		}
		result = result.withErr(fmt.Errorf("%w: %v", ErrPaymentPending, meltErr))
		result.Pending = true
		return result
	}
}

func (w *Wallet) persistMeltToken(ctx context.Context, mint, invoice, quoteId, txId string,
	proofs cashu.Proofs) (recovery.PendingToken, error) {
	token, err := cashu.NewToken(proofs, mint, w.unit, false)
	if err != nil {
		return recovery.PendingToken{}, err
	}
	encoded, err := token.Serialize()
	if err != nil {
		return recovery.PendingToken{}, err
	}
	pending, err := w.tokens.Add(ctx, recovery.PendingToken{
		Token:         encoded,
		Amount:        proofs.Amount(),
		Mint:          mint,
		Purpose:       recovery.LightningMelt,
		Destination:   invoice,
		MeltQuoteId:   quoteId,
		TransactionId: txId,
	})
	if err != nil {
		return recovery.PendingToken{}, fmt.Errorf("could not persist pending token: %w", err)
	}
	return pending, nil
}

// finalizeMelt records a paid melt once. It returns false if the melt
// was already settled by someone else. The payment happened so failures
// here are logged and never reported as a failed payment.
func (w *Wallet) finalizeMelt(ctx context.Context, mint string, spent, change cashu.Proofs, pendingId, txId string) bool {
	ctx = detach(ctx)
	if pendingId != "" {
		err := w.tokens.Settle(ctx, pendingId)
		if errors.Is(err, recovery.ErrTokenSettled) {
			w.logger.Debug("melt already settled", "id", pendingId)
			return false
		}
		if err != nil {
			w.logger.Error("could not update pending token", "id", pendingId, "error", err)
		}
	}
	if err := w.ledger.FinalizePendingSpend(ctx, spent, change, mint); err != nil {
		w.logger.Error("could not finalize melt", "mint", mint, "error", err)
	}
	w.completeTx(ctx, txId, spent.Amount()-change.Amount(), "")
	return true
}

package wallet

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut18"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/mints"
	"github.com/elnosh/nutpay/wallet/recovery"
)

// PaymentRequest is what a payee asks for: an amount in a unit payable
// at any of the listed mints. No mints means any mint.
type PaymentRequest struct {
	Id          string   `json:"id,omitempty"`
	Amount      uint64   `json:"amount"`
	Unit        string   `json:"unit"`
	Mints       []string `json:"mints,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ParsePaymentRequest decodes a NUT-18 payment request.
func ParsePaymentRequest(encoded string) (PaymentRequest, error) {
	request, err := nut18.Decode(encoded)
	if err != nil {
		return PaymentRequest{}, err
	}
	if request.Amount == 0 {
		return PaymentRequest{}, fmt.Errorf("%w: missing amount", nut18.ErrInvalidPaymentRequest)
	}
	return PaymentRequest{
		Id:          request.Id,
		Amount:      request.Amount,
		Unit:        request.Unit,
		Mints:       request.Mints,
		Description: request.Description,
	}, nil
}

// CreatePaymentToken pays request with a token from the first usable
// mint. origin is recorded with the transaction.
func (w *Wallet) CreatePaymentToken(ctx context.Context, request PaymentRequest, origin string) TokenResult {
	if request.Amount == 0 {
		return TokenResult{}.withErr(ledger.ErrInvalidAmount)
	}
	if request.Unit != "" && request.Unit != w.unit.String() {
		return TokenResult{}.withErr(fmt.Errorf("%w: '%v'", ErrUnitMismatch, request.Unit))
	}

	mint, err := w.pickMint(ctx, request.Mints, request.Amount)
	if err != nil {
		return TokenResult{}.withErr(err)
	}
	return w.sendToken(ctx, mint, request.Amount, origin, false)
}

// GenerateSendToken creates a token for amount from mint that can be
// handed to anyone. The token is kept as a pending token until the
// spend is finalized so an interrupted send can be recovered.
func (w *Wallet) GenerateSendToken(ctx context.Context, mint string, amount uint64) TokenResult {
	if amount == 0 {
		return TokenResult{}.withErr(ledger.ErrInvalidAmount)
	}
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return TokenResult{}.withErr(err)
	}
	return w.sendToken(ctx, mint, amount, "", true)
}

func (w *Wallet) sendToken(ctx context.Context, mint string, amount uint64, origin string, keepPending bool) TokenResult {
	result := TokenResult{Amount: amount, Mint: mint}

	selection, fee, err := w.reserve(ctx, mint, amount)
	if err != nil {
		return result.withErr(err)
	}
	defer w.releaseInflight(selection.Proofs)
	result.Fee = fee
	ctx = detach(ctx)

	tx := w.recordTx(ctx, history.Transaction{
		Type:   history.Payment,
		Amount: amount + fee,
		Mint:   mint,
		Origin: origin,
		Status: history.Pending,
	})
	result.TransactionId = tx.Id

	split, err := w.mints.Split(ctx, mint, selection.Proofs, amount)
	if err != nil {
		w.logger.Warn("swap failed", "mint", mint, "amount", amount, "error", err)
		w.releaseAfterFailure(ctx, mint, selection.Proofs, err)
		w.failTx(ctx, tx.Id, err)
		return result.withErr(err)
	}

	token, err := cashu.NewToken(split.Send, mint, w.unit, true)
	var encoded string
	if err == nil {
		encoded, err = token.Serialize()
	}
	if err != nil {
		err = fmt.Errorf("could not encode token: %w", err)
		w.keepSwapped(ctx, mint, selection.Proofs, split, tx.Id, err)
		return result.withErr(err)
	}

	var pending recovery.PendingToken
	if keepPending {
		pending, err = w.tokens.Add(ctx, recovery.PendingToken{
			Token:         encoded,
			Amount:        amount,
			Mint:          mint,
			Purpose:       recovery.ManualSend,
			TransactionId: tx.Id,
		})
		if err != nil {
			// without the record the token could not be reclaimed
			err = fmt.Errorf("could not persist pending token: %w", err)
			w.keepSwapped(ctx, mint, selection.Proofs, split, tx.Id, err)
			return result.withErr(err)
		}
		result.PendingTokenId = pending.Id
	}

	if err := w.ledger.FinalizePendingSpend(ctx, selection.Proofs, split.Change, mint); err != nil {
		// the token is valid and already built, the inputs are left pending
		// and reconciliation removes them once the mint reports them spent
		w.logger.Error("could not finalize spend", "mint", mint, "error", err)
	}
	if pending.Id != "" {
		if err := w.tokens.MarkClaimed(ctx, pending.Id); err != nil {
			w.logger.Error("could not update pending token", "id", pending.Id, "error", err)
		}
	}
	w.completeTx(ctx, tx.Id, amount+fee, encoded)

	w.logger.Info("created token", "mint", mint, "amount", amount, "fee", fee)
	result.Success = true
	result.Token = encoded
	return result
}

// keepSwapped stores every proof a swap returned as LIVE when no token
// can be handed out for them.
func (w *Wallet) keepSwapped(ctx context.Context, mint string, inputs cashu.Proofs, split mints.SplitResult, txId string, cause error) {
	kept := append(slices.Clone(split.Change), split.Send...)
	if err := w.ledger.FinalizePendingSpend(ctx, inputs, kept, mint); err != nil {
		w.logger.Error("could not store proofs from swap", "mint", mint, "error", err)
	}
	w.failTx(ctx, txId, cause)
}

// pickMint returns the first accepted mint holding at least amount.
// With no accepted mints listed the default mint is tried first and
// then the others in order.
func (w *Wallet) pickMint(ctx context.Context, accepted []string, amount uint64) (string, error) {
	balances, err := w.ledger.BalanceByMint(ctx)
	if err != nil {
		return "", err
	}

	var candidates []string
	if len(accepted) > 0 {
		for _, mint := range accepted {
			normalized, err := cashu.NormalizeMintURL(mint)
			if err != nil {
				continue
			}
			candidates = append(candidates, normalized)
		}
	} else {
		for mint := range balances {
			candidates = append(candidates, mint)
		}
		sort.Strings(candidates)
		if i := slices.Index(candidates, w.config.DefaultMint); i > 0 {
			candidates = append([]string{w.config.DefaultMint}, slices.Delete(candidates, i, i+1)...)
		}
	}

	for _, mint := range candidates {
		if !w.trusted(mint) {
			continue
		}
		if balances[mint] >= amount {
			return mint, nil
		}
	}
	return "", ErrNoAvailableMint
}

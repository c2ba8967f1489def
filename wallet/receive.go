package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut10"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/recovery"
)

// ReceiveToken swaps the proofs of an encoded token for new ones owned
// by the wallet. Nothing is stored if the token is invalid, from an
// untrusted mint or fails DLEQ verification.
func (w *Wallet) ReceiveToken(ctx context.Context, encoded string) ReceiveResult {
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		return ReceiveResult{}.withErr(err)
	}
	mint, err := cashu.NormalizeMintURL(token.Mint())
	if err != nil {
		return ReceiveResult{}.withErr(err)
	}
	result := ReceiveResult{Mint: mint}

	if err := w.checkTokenUnit(token); err != nil {
		return result.withErr(err)
	}
	if !w.trusted(mint) {
		return result.withErr(fmt.Errorf("%w: %v", ErrUntrustedMint, mint))
	}
	proofs := token.Proofs()
	if cashu.CheckDuplicateProofs(proofs) {
		return result.withErr(errors.New("token has duplicate proofs"))
	}
	if err := checkSpendable(proofs); err != nil {
		return result.withErr(err)
	}

	// the swap consumes the token, what follows it has to finish
	ctx = detach(ctx)
	received, fee, err := w.receiveProofs(ctx, mint, proofs)
	if err != nil {
		return result.withErr(err)
	}

	tx := w.recordTx(ctx, history.Transaction{
		Type:   history.Receive,
		Amount: received.Amount(),
		Mint:   mint,
		Status: history.Completed,
	})
	w.logger.Info("received token", "mint", mint, "amount", received.Amount(), "fee", fee)

	result.Success = true
	result.Amount = received.Amount()
	result.Fee = fee
	result.TransactionId = tx.Id
	return result
}

// receiveProofs verifies and swaps proofs and stores the new ones as LIVE.
func (w *Wallet) receiveProofs(ctx context.Context, mint string, proofs cashu.Proofs) (cashu.Proofs, uint64, error) {
	if err := w.mints.VerifyProofs(ctx, mint, proofs); err != nil {
		return nil, 0, err
	}
	received, fee, err := w.mints.Receive(ctx, mint, proofs)
	if err != nil {
		return nil, 0, err
	}
	if err := w.ledger.AddProofs(ctx, mint, received); err != nil {
		return nil, 0, w.keepUnstored(ctx, mint, received, err)
	}
	return received, fee, nil
}

// keepUnstored saves proofs the ledger could not take as a pending token
// so they can be reclaimed later. If even that fails the token is logged.
func (w *Wallet) keepUnstored(ctx context.Context, mint string, proofs cashu.Proofs, cause error) error {
	encoded := ""
	token, err := cashu.NewToken(proofs, mint, w.unit, false)
	if err == nil {
		encoded, err = token.Serialize()
	}
	if err == nil {
		var pending recovery.PendingToken
		pending, err = w.tokens.Add(ctx, recovery.PendingToken{
			Token:   encoded,
			Amount:  proofs.Amount(),
			Mint:    mint,
			Purpose: recovery.ManualSend,
		})
		if err == nil {
			w.logger.Error("could not store received proofs, kept as pending token",
				"mint", mint, "id", pending.Id, "error", cause)
			return fmt.Errorf("%w, reclaim pending token %v: %v", ErrProofsNotStored, pending.Id, cause)
		}
	}
	w.logger.Error("could not store received proofs", "mint", mint, "token", encoded, "error", err)
	return fmt.Errorf("%w: %v", ErrProofsNotStored, cause)
}

// checkSpendable rejects proofs locked to a spending condition since the
// wallet holds no keys to unlock them.
func checkSpendable(proofs cashu.Proofs) error {
	for _, proof := range proofs {
		kind, err := nut10.SecretType(proof.Secret)
		if err != nil {
			return err
		}
		if kind != nut10.AnyoneCanSpend {
			return fmt.Errorf("%w: %v", ErrLockedToken, kind)
		}
	}
	return nil
}

func (w *Wallet) checkTokenUnit(token cashu.Token) error {
	var unit string
	switch t := token.(type) {
	case *cashu.TokenV3:
		unit = t.Unit
	case cashu.TokenV3:
		unit = t.Unit
	case *cashu.TokenV4:
		unit = t.Unit
	case cashu.TokenV4:
		unit = t.Unit
	}
	// V3 tokens without a unit are sat
	if unit == "" {
		unit = cashu.Sat.String()
	}
	if unit != w.unit.String() {
		return fmt.Errorf("%w: token unit '%v'", ErrUnitMismatch, unit)
	}
	return nil
}

// RequestMintQuote asks mint for an invoice of amount, tracks the quote
// and watches it so the proofs are minted as soon as it is paid.
func (w *Wallet) RequestMintQuote(ctx context.Context, mint string, amount uint64) MintQuoteResult {
	if amount == 0 {
		return MintQuoteResult{}.withErr(ledger.ErrInvalidAmount)
	}
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return MintQuoteResult{}.withErr(err)
	}
	result := MintQuoteResult{Mint: mint, Amount: amount}
	if !w.trusted(mint) {
		return result.withErr(fmt.Errorf("%w: %v", ErrUntrustedMint, mint))
	}

	quote, err := w.mints.RequestMintQuote(ctx, mint, amount)
	if err != nil {
		return result.withErr(err)
	}
	_, err = w.quotes.Add(ctx, recovery.PendingMintQuote{
		QuoteId:   quote.Quote,
		Mint:      mint,
		Amount:    amount,
		Invoice:   quote.Request,
		ExpiresAt: quote.Expiry,
	})
	if err != nil {
		return result.withErr(fmt.Errorf("could not save mint quote: %w", err))
	}
	if err := w.SubscribeMintQuote(mint, quote.Quote); err != nil {
		w.logger.Warn("could not watch mint quote", "quote", quote.Quote, "error", err)
	}

	result.Success = true
	result.QuoteId = quote.Quote
	result.Invoice = quote.Request
	result.Expiry = quote.Expiry
	return result
}

// SubscribeMintQuote watches a tracked quote and mints its proofs once
// paid. Watching a quote twice does nothing.
func (w *Wallet) SubscribeMintQuote(mint, quoteId string) error {
	_, err := w.subs.Subscribe(mint, quoteId, w.onQuotePaid)
	return err
}

func (w *Wallet) UnsubscribeMintQuote(quoteId string) {
	w.subs.Unsubscribe(quoteId)
}

func (w *Wallet) onQuotePaid(mint, quoteId string) {
	ctx := w.ctx
	quote, err := w.quotes.Get(ctx, quoteId)
	if err != nil {
		w.logger.Error("paid quote is not tracked", "quote", quoteId, "error", err)
		return
	}
	if err := w.quotes.SetStatus(ctx, quoteId, recovery.QuotePaid); err != nil {
		w.logger.Warn("could not update mint quote", "quote", quoteId, "error", err)
	}

	result := w.MintProofsFromQuote(ctx, mint, quote.Amount, quoteId)
	if !result.Success {
		w.logger.Error("could not mint proofs for paid quote", "quote", quoteId, "error", result.Error)
	}
}

// MintProofsFromQuote mints amount for a paid quote and stores the proofs.
func (w *Wallet) MintProofsFromQuote(ctx context.Context, mint string, amount uint64, quoteId string) ReceiveResult {
	if amount == 0 {
		return ReceiveResult{}.withErr(ledger.ErrInvalidAmount)
	}
	mint, err := w.normalizeMint(mint)
	if err != nil {
		return ReceiveResult{}.withErr(err)
	}
	result := ReceiveResult{Mint: mint}

	ctx = detach(ctx)
	proofs, err := w.mints.MintProofs(ctx, mint, quoteId, amount)
	if err != nil {
		return result.withErr(err)
	}
	w.subs.Unsubscribe(quoteId)
	if err := w.ledger.AddProofs(ctx, mint, proofs); err != nil {
		return result.withErr(fmt.Errorf("could not store minted proofs: %w", err))
	}
	if err := w.quotes.SetStatus(ctx, quoteId, recovery.QuoteMinted); err != nil && !errors.Is(err, recovery.ErrQuoteNotFound) {
		w.logger.Warn("could not update mint quote", "quote", quoteId, "error", err)
	}

	tx := w.recordTx(ctx, history.Transaction{
		Type:   history.Receive,
		Amount: proofs.Amount(),
		Mint:   mint,
		Status: history.Completed,
	})
	w.logger.Info("minted proofs", "mint", mint, "amount", proofs.Amount(), "quote", quoteId)

	result.Success = true
	result.Amount = proofs.Amount()
	result.TransactionId = tx.Id
	return result
}

func (w *Wallet) MintQuotes(ctx context.Context) ([]recovery.PendingMintQuote, error) {
	return w.quotes.List(ctx)
}

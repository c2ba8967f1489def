package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut10"
	"github.com/elnosh/nutpay/testutils"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/recovery"
	"github.com/elnosh/nutpay/wallet/storage"
	"golang.org/x/sync/errgroup"
)

const testMnemonic = "half depart obvious quality work element tank gorilla view sugar picture humble"

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestMint(t *testing.T, opts testutils.MintOptions) *testutils.Server {
	server, err := testutils.NewMintServer(opts)
	if err != nil {
		t.Fatalf("error starting test mint: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func testConfig(mints ...string) Config {
	config := Config{
		Backend:      MemoryBackend,
		Mints:        mints,
		PollInterval: 50 * time.Millisecond,
		PushTimeout:  time.Second,
		Logger:       discardLogger,
	}
	return config
}

func newTestWallet(t *testing.T, config Config) *Wallet {
	w, err := Open(storage.NewMemoryStore(), config)
	if err != nil {
		t.Fatalf("error opening wallet: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// fund mints amount into w without subscribing to the quote.
func fund(t *testing.T, w *Wallet, server *testutils.Server, amount uint64) {
	ctx := context.Background()
	quote, err := w.Facade().RequestMintQuote(ctx, server.URL, amount)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	if err := server.Mint().PayMintQuote(quote.Quote); err != nil {
		t.Fatal(err)
	}
	result := w.MintProofsFromQuote(ctx, server.URL, amount, quote.Quote)
	if !result.Success {
		t.Fatalf("error minting proofs: %v", result.Err)
	}
}

func expectBalance(t *testing.T, w *Wallet, expected uint64) {
	t.Helper()
	balance, err := w.Balance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Total != expected {
		t.Fatalf("expected balance '%v' but got '%v'", expected, balance.Total)
	}
}

func expectReserved(t *testing.T, w *Wallet, expected int) {
	t.Helper()
	reserved, err := w.ledger.ListPendingSpend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reserved) != expected {
		t.Fatalf("expected '%v' reserved proofs but got '%v'", expected, len(reserved))
	}
}

func pendingTokensWithStatus(t *testing.T, w *Wallet, status recovery.TokenStatus) []recovery.PendingToken {
	t.Helper()
	tokens, err := w.tokens.ListByStatus(context.Background(), status)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tokens
}

func TestCreatePaymentToken(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	sender := newTestWallet(t, testConfig(server.URL))
	receiver := newTestWallet(t, testConfig(server.URL))

	fund(t, sender, server, 100)
	expectBalance(t, sender, 100)

	request := PaymentRequest{Amount: 30, Unit: "sat", Mints: []string{server.URL}}
	result := sender.CreatePaymentToken(ctx, request, "https://shop.example.com")
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Mint != sender.DefaultMint() {
		t.Fatalf("expected mint '%v' but got '%v'", sender.DefaultMint(), result.Mint)
	}
	expectBalance(t, sender, 70)
	expectReserved(t, sender, 0)

	token, err := cashu.DecodeToken(result.Token)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	if token.Amount() != 30 {
		t.Fatalf("expected token amount '%v' but got '%v'", 30, token.Amount())
	}

	tx, err := sender.history.Get(ctx, result.TransactionId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Status != history.Completed || tx.Origin != "https://shop.example.com" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	received := receiver.ReceiveToken(ctx, result.Token)
	if !received.Success {
		t.Fatalf("unexpected error receiving token: %v", received.Err)
	}
	if received.Amount != 30 {
		t.Fatalf("expected received amount '%v' but got '%v'", 30, received.Amount)
	}
	expectBalance(t, receiver, 30)

	// the token was already swapped by the receiver
	again := receiver.ReceiveToken(ctx, result.Token)
	if again.Success {
		t.Fatal("expected error receiving spent token")
	}
	expectBalance(t, receiver, 30)
}

func TestCreatePaymentTokenErrors(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))
	fund(t, w, server, 100)

	tests := []struct {
		name     string
		request  PaymentRequest
		expected error
	}{
		{
			name:     "zero amount",
			request:  PaymentRequest{Amount: 0},
			expected: ledger.ErrInvalidAmount,
		},
		{
			name:     "more than balance",
			request:  PaymentRequest{Amount: 200},
			expected: ErrNoAvailableMint,
		},
		{
			name:     "untrusted mint",
			request:  PaymentRequest{Amount: 10, Mints: []string{"https://other.mint.com"}},
			expected: ErrNoAvailableMint,
		},
		{
			name:     "unit mismatch",
			request:  PaymentRequest{Amount: 10, Unit: "usd"},
			expected: ErrUnitMismatch,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := w.CreatePaymentToken(ctx, test.request, "")
			if result.Success {
				t.Fatal("expected payment to fail")
			}
			if !errors.Is(result.Err, test.expected) {
				t.Fatalf("expected error '%v' but got '%v'", test.expected, result.Err)
			}
			if result.Error == "" {
				t.Fatal("expected error message in result")
			}
		})
	}
	expectBalance(t, w, 100)
	expectReserved(t, w, 0)
}

func TestCreatePaymentTokenWithFees(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{InputFeePpk: 1000})
	w := newTestWallet(t, testConfig(server.URL))

	// 100 = 4 + 32 + 64
	fund(t, w, server, 100)

	// 64 alone does not cover its own fee so 64 + 32 is selected
	result := w.CreatePaymentToken(ctx, PaymentRequest{Amount: 64}, "")
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Fee != 2 {
		t.Fatalf("expected fee '%v' but got '%v'", 2, result.Fee)
	}
	expectBalance(t, w, 34)
	expectReserved(t, w, 0)
}

func TestGenerateSendToken(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))
	fund(t, w, server, 64)

	result := w.GenerateSendToken(ctx, "", 21)
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	expectBalance(t, w, 43)

	pending, err := w.tokens.Get(ctx, result.PendingTokenId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending.Status != recovery.TokenClaimed || pending.Purpose != recovery.ManualSend {
		t.Fatalf("unexpected pending token: %+v", pending)
	}

	result = w.GenerateSendToken(ctx, "", 100)
	if !errors.Is(result.Err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v'", ledger.ErrInsufficientFunds, result.Err)
	}
	expectBalance(t, w, 43)
	expectReserved(t, w, 0)
}

func TestGenerateSendTokenNoMint(t *testing.T) {
	w := newTestWallet(t, testConfig())
	result := w.GenerateSendToken(context.Background(), "", 10)
	if !errors.Is(result.Err, ErrNoAvailableMint) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNoAvailableMint, result.Err)
	}
}

func TestConcurrentSends(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	sender := newTestWallet(t, testConfig(server.URL))
	receiver := newTestWallet(t, testConfig(server.URL))
	fund(t, sender, server, 100)

	const sends = 6
	results := make([]TokenResult, sends)
	var g errgroup.Group
	for i := 0; i < sends; i++ {
		g.Go(func() error {
			results[i] = sender.GenerateSendToken(ctx, "", 4)
			return nil
		})
	}
	g.Wait()

	var sent uint64
	for _, result := range results {
		if !result.Success {
			if !errors.Is(result.Err, ledger.ErrInsufficientFunds) {
				t.Fatalf("unexpected error: %v", result.Err)
			}
			continue
		}
		sent += result.Amount
		// a proof handed out twice would be rejected by the mint here
		received := receiver.ReceiveToken(ctx, result.Token)
		if !received.Success {
			t.Fatalf("unexpected error receiving token: %v", received.Err)
		}
	}
	if sent == 0 {
		t.Fatal("expected at least one send to succeed")
	}
	expectBalance(t, sender, 100-sent)
	expectBalance(t, receiver, sent)
	expectReserved(t, sender, 0)
}

func TestReceiveToken(t *testing.T) {
	ctx := context.Background()
	trustedMint := newTestMint(t, testutils.MintOptions{})
	otherMint := newTestMint(t, testutils.MintOptions{})

	sender := newTestWallet(t, testConfig())
	fund(t, sender, otherMint, 16)
	token := sender.GenerateSendToken(ctx, otherMint.URL, 8)
	if !token.Success {
		t.Fatalf("unexpected error: %v", token.Err)
	}

	receiver := newTestWallet(t, testConfig(trustedMint.URL))
	result := receiver.ReceiveToken(ctx, token.Token)
	if !errors.Is(result.Err, ErrUntrustedMint) {
		t.Fatalf("expected error '%v' but got '%v'", ErrUntrustedMint, result.Err)
	}

	result = receiver.ReceiveToken(ctx, "cashuAnotatoken")
	if result.Success {
		t.Fatal("expected error receiving invalid token")
	}
	expectBalance(t, receiver, 0)

	// wallets without a trusted list accept any mint
	open := newTestWallet(t, testConfig())
	result = open.ReceiveToken(ctx, token.Token)
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	expectBalance(t, open, 8)

	txs, err := open.Transactions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != history.Receive || txs[0].Amount != 8 {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

func TestCheckSpendable(t *testing.T) {
	locked, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: "02c020067db727d586bc3183aecf97fcb800c3f4cc4759f69c626c9db5d8f5b5d4",
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		secrets  []string
		expected error
	}{
		{"plain secrets", []string{"407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"}, nil},
		{"locked secret", []string{"407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837", locked}, ErrLockedToken},
		{"malformed secret", []string{`["P2PK", {}]`}, nut10.ErrMalformedSecret},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			proofs := make(cashu.Proofs, len(test.secrets))
			for i, secret := range test.secrets {
				proofs[i] = cashu.Proof{Amount: 1, Secret: secret}
			}
			err := checkSpendable(proofs)
			if !errors.Is(err, test.expected) {
				t.Fatalf("expected error '%v' but got '%v'", test.expected, err)
			}
		})
	}
}

func TestSwapFailures(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))
	fund(t, w, server, 100)

	tests := []struct {
		name string
		err  error
	}{
		{"protocol error", cashu.BuildCashuError("swap rejected", cashu.StandardErrCode)},
		{"server error", errors.New("internal error")},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server.Mint().FailSwaps(test.err)
			defer server.Mint().FailSwaps(nil)

			result := w.GenerateSendToken(ctx, "", 10)
			if result.Success {
				t.Fatal("expected send to fail")
			}
			// inputs are unspent at the mint so they are released
			expectBalance(t, w, 100)
			expectReserved(t, w, 0)

			tx, err := w.history.Get(ctx, result.TransactionId)
			if err != nil {
				t.Fatal(err)
			}
			if tx.Status != history.Failed {
				t.Fatalf("expected status '%v' but got '%v'", history.Failed, tx.Status)
			}
		})
	}
}

func TestInvalidDLEQLeavesProofsReserved(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))
	// 100 = 4 + 32 + 64
	fund(t, w, server, 100)

	server.Mint().CorruptDLEQ(true)
	result := w.GenerateSendToken(ctx, "", 30)
	if result.Success {
		t.Fatal("expected send to fail")
	}
	server.Mint().CorruptDLEQ(false)

	expectBalance(t, w, 36)
	expectReserved(t, w, 1)

	// the mint spent the inputs so reconciliation removes them
	reconciled, err := w.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled.ProofsRemoved != 1 {
		t.Fatalf("expected '%v' proofs removed but got '%v'", 1, reconciled.ProofsRemoved)
	}
	expectBalance(t, w, 36)
	expectReserved(t, w, 0)
}

func newMeltWallet(t *testing.T) (*Wallet, *testutils.Server) {
	server := newTestMint(t, testutils.MintOptions{FeeReserve: 4})
	w := newTestWallet(t, testConfig(server.URL))
	// 100 = 4 + 32 + 64
	fund(t, w, server, 100)
	return w, server
}

func newInvoice(t *testing.T, amount uint64) string {
	invoice, _, _, err := testutils.CreateFakeInvoice(amount)
	if err != nil {
		t.Fatal(err)
	}
	return invoice
}

func TestPayLightningInvoice(t *testing.T) {
	ctx := context.Background()
	w, _ := newMeltWallet(t)

	result := w.Pay(ctx, "", newInvoice(t, 20))
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Preimage != testutils.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
	}
	if result.Change == 0 {
		t.Fatal("expected change from fee reserve")
	}
	expectBalance(t, w, 100-result.Amount)
	expectReserved(t, w, 0)

	if tokens := pendingTokensWithStatus(t, w, recovery.TokenPending); len(tokens) != 0 {
		t.Fatalf("expected no pending tokens but got '%v'", len(tokens))
	}
	tx, err := w.history.Get(ctx, result.TransactionId)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != history.Completed || tx.Amount != result.Amount {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestPayLightningInvoiceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("paid despite error", func(t *testing.T) {
		w, server := newMeltWallet(t)
		server.Mint().SetMeltBehavior(testutils.MeltPayThenFail)

		result := w.Pay(ctx, "", newInvoice(t, 20))
		if !result.Success {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Preimage != testutils.FakePreimage {
			t.Fatalf("expected preimage '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
		}
		// change from the response is lost
		expectBalance(t, w, 36)
		expectReserved(t, w, 0)
	})

	t.Run("rejected", func(t *testing.T) {
		w, server := newMeltWallet(t)
		server.Mint().SetMeltBehavior(testutils.MeltRejectUnpaid)

		result := w.Pay(ctx, "", newInvoice(t, 20))
		if result.Success || result.Pending {
			t.Fatalf("expected payment to fail: %+v", result)
		}
		expectBalance(t, w, 100)
		expectReserved(t, w, 0)
		tokens, err := w.PendingTokens(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(tokens) != 0 {
			t.Fatalf("expected no pending tokens but got '%v'", len(tokens))
		}
	})

	t.Run("unreachable then unpaid", func(t *testing.T) {
		w, server := newMeltWallet(t)
		server.Mint().SetMeltBehavior(testutils.MeltUnreachable)

		result := w.Pay(ctx, "", newInvoice(t, 20))
		if !result.Pending {
			t.Fatalf("expected pending payment: %+v", result)
		}
		if !errors.Is(result.Err, ErrPaymentPending) {
			t.Fatalf("expected error '%v' but got '%v'", ErrPaymentPending, result.Err)
		}
		expectBalance(t, w, 36)
		expectReserved(t, w, 1)

		// nothing changes while the mint cannot be reached
		reconciled, err := w.Reconcile(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reconciled.MeltsFailed != 0 || reconciled.ProofsReverted != 0 {
			t.Fatalf("unexpected reconcile result: %+v", reconciled)
		}
		expectReserved(t, w, 1)

		server.Mint().SetMeltBehavior(testutils.MeltSucceed)
		reconciled, err = w.Reconcile(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reconciled.MeltsFailed != 1 {
			t.Fatalf("expected '%v' failed melts but got '%v'", 1, reconciled.MeltsFailed)
		}
		expectBalance(t, w, 100)
		expectReserved(t, w, 0)

		tx, err := w.history.Get(ctx, result.TransactionId)
		if err != nil {
			t.Fatal(err)
		}
		if tx.Status != history.Failed {
			t.Fatalf("expected status '%v' but got '%v'", history.Failed, tx.Status)
		}
	})

	t.Run("pending then paid", func(t *testing.T) {
		w, server := newMeltWallet(t)
		server.Mint().SetMeltBehavior(testutils.MeltHangPending)

		result := w.Pay(ctx, "", newInvoice(t, 20))
		if !result.Pending {
			t.Fatalf("expected pending payment: %+v", result)
		}
		expectReserved(t, w, 1)

		pending := pendingTokensWithStatus(t, w, recovery.TokenPending)
		if len(pending) != 1 || pending[0].Purpose != recovery.LightningMelt {
			t.Fatalf("unexpected pending tokens: %+v", pending)
		}

		// the quote is still pending so its proofs are not touched
		reconciled, err := w.Reconcile(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reconciled.MeltsPaid != 0 || reconciled.ProofsRemoved != 0 || reconciled.ProofsReverted != 0 {
			t.Fatalf("unexpected reconcile result: %+v", reconciled)
		}
		expectReserved(t, w, 1)

		if err := server.Mint().SetMeltQuoteState(pending[0].MeltQuoteId, nut05.Paid); err != nil {
			t.Fatal(err)
		}
		reconciled, err = w.Reconcile(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reconciled.MeltsPaid != 1 {
			t.Fatalf("expected '%v' paid melts but got '%v'", 1, reconciled.MeltsPaid)
		}
		expectBalance(t, w, 36)
		expectReserved(t, w, 0)

		claimed, err := w.tokens.Get(ctx, pending[0].Id)
		if err != nil {
			t.Fatal(err)
		}
		if claimed.Status != recovery.TokenClaimed {
			t.Fatalf("expected status '%v' but got '%v'", recovery.TokenClaimed, claimed.Status)
		}
	})
}

func TestRequestMeltQuoteInvalidInvoice(t *testing.T) {
	w, _ := newMeltWallet(t)
	result := w.RequestMeltQuote(context.Background(), "", "lnbc1notaninvoice")
	if !errors.Is(result.Err, ErrInvalidInvoice) {
		t.Fatalf("expected error '%v' but got '%v'", ErrInvalidInvoice, result.Err)
	}
}

func TestPendingTokens(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))
	receiver := newTestWallet(t, testConfig(server.URL))
	fund(t, w, server, 64)

	unclaimed := w.GenerateSendToken(ctx, "", 30)
	if !unclaimed.Success {
		t.Fatalf("unexpected error: %v", unclaimed.Err)
	}
	claimed := w.GenerateSendToken(ctx, "", 10)
	if !claimed.Success {
		t.Fatalf("unexpected error: %v", claimed.Err)
	}
	expectBalance(t, w, 24)

	// track both tokens as a send that was interrupted before finishing
	track := func(token TokenResult) recovery.PendingToken {
		pending, err := w.tokens.Add(ctx, recovery.PendingToken{
			Token:   token.Token,
			Amount:  token.Amount,
			Mint:    token.Mint,
			Purpose: recovery.ManualSend,
		})
		if err != nil {
			t.Fatal(err)
		}
		return pending
	}
	unclaimedToken := track(unclaimed)
	claimedToken := track(claimed)

	if received := receiver.ReceiveToken(ctx, claimed.Token); !received.Success {
		t.Fatalf("unexpected error: %v", received.Err)
	}

	status, err := w.CheckPendingToken(ctx, unclaimedToken.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != recovery.TokenPending {
		t.Fatalf("expected status '%v' but got '%v'", recovery.TokenPending, status)
	}

	reconciled, err := w.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled.TokensClaimed != 1 {
		t.Fatalf("expected '%v' tokens claimed but got '%v'", 1, reconciled.TokensClaimed)
	}

	result := w.ReclaimPendingToken(ctx, claimedToken.Id)
	if !errors.Is(result.Err, ErrTokenNotPending) {
		t.Fatalf("expected error '%v' but got '%v'", ErrTokenNotPending, result.Err)
	}

	result = w.ReclaimPendingToken(ctx, unclaimedToken.Id)
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Amount != 30 {
		t.Fatalf("expected amount '%v' but got '%v'", 30, result.Amount)
	}
	expectBalance(t, w, 54)

	result = w.ReclaimPendingToken(ctx, unclaimedToken.Id)
	if !errors.Is(result.Err, ErrTokenNotPending) {
		t.Fatalf("expected error '%v' but got '%v'", ErrTokenNotPending, result.Err)
	}

	result = w.ReclaimPendingToken(ctx, "unknown")
	if !errors.Is(result.Err, recovery.ErrTokenNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", recovery.ErrTokenNotFound, result.Err)
	}
}

func TestReclaimMeltToken(t *testing.T) {
	ctx := context.Background()
	w, server := newMeltWallet(t)
	server.Mint().SetMeltBehavior(testutils.MeltHangPending)

	result := w.Pay(ctx, "", newInvoice(t, 20))
	if !result.Pending {
		t.Fatalf("expected pending payment: %+v", result)
	}
	reclaim := w.ReclaimPendingToken(ctx, result.PendingTokenId)
	if !errors.Is(reclaim.Err, ErrCannotReclaimMelt) {
		t.Fatalf("expected error '%v' but got '%v'", ErrCannotReclaimMelt, reclaim.Err)
	}
}

func TestMintQuoteSubscription(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))

	quote := w.RequestMintQuote(ctx, "", 42)
	if !quote.Success {
		t.Fatalf("unexpected error: %v", quote.Err)
	}
	if quote.Invoice == "" {
		t.Fatal("expected invoice in mint quote")
	}
	if err := server.Mint().PayMintQuote(quote.QuoteId); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		balance, err := w.Balance(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if balance.Total == 42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected balance '%v' but got '%v'", 42, balance.Total)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// the quote is updated after the proofs are stored
	deadline = time.Now().Add(5 * time.Second)
	for {
		tracked, err := w.quotes.Get(ctx, quote.QuoteId)
		if err != nil {
			t.Fatal(err)
		}
		if tracked.Status == recovery.QuoteMinted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected quote status '%v' but got '%v'", recovery.QuoteMinted, tracked.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReconcileMintQuotes(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	w := newTestWallet(t, testConfig(server.URL))

	paid := w.RequestMintQuote(ctx, "", 16)
	if !paid.Success {
		t.Fatalf("unexpected error: %v", paid.Err)
	}
	unpaid := w.RequestMintQuote(ctx, "", 8)
	if !unpaid.Success {
		t.Fatalf("unexpected error: %v", unpaid.Err)
	}
	// simulate a restart where nothing is watching the quotes
	w.UnsubscribeMintQuote(paid.QuoteId)
	w.UnsubscribeMintQuote(unpaid.QuoteId)

	if err := server.Mint().PayMintQuote(paid.QuoteId); err != nil {
		t.Fatal(err)
	}

	reconciled, err := w.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled.QuotesMinted != 1 || reconciled.QuotesWatched != 1 {
		t.Fatalf("unexpected reconcile result: %+v", reconciled)
	}
	expectBalance(t, w, 16)
	if !w.subs.Active(unpaid.QuoteId) {
		t.Fatal("expected unpaid quote to be watched")
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})

	config := testConfig(server.URL)
	config.Mnemonic = testMnemonic
	w := newTestWallet(t, config)
	if w.Mnemonic() != testMnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", testMnemonic, w.Mnemonic())
	}
	fund(t, w, server, 100)

	sent := w.GenerateSendToken(ctx, "", 30)
	if !sent.Success {
		t.Fatalf("unexpected error: %v", sent.Err)
	}
	receiver := newTestWallet(t, testConfig(server.URL))
	if received := receiver.ReceiveToken(ctx, sent.Token); !received.Success {
		t.Fatalf("unexpected error: %v", received.Err)
	}

	restored := newTestWallet(t, config)
	result := restored.Restore(ctx, "")
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Amount != 70 {
		t.Fatalf("expected restored amount '%v' but got '%v'", 70, result.Amount)
	}
	expectBalance(t, restored, 70)

	// proofs already in the ledger are not added twice
	result = restored.Restore(ctx, "")
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Amount != 0 {
		t.Fatalf("expected restored amount '%v' but got '%v'", 0, result.Amount)
	}
	expectBalance(t, restored, 70)
}

func TestOpenWrongPassphrase(t *testing.T) {
	db := storage.NewMemoryStore()
	config := testConfig()
	config.PassphraseEnv = "NUTPAY_TEST_PASSPHRASE"

	t.Setenv("NUTPAY_TEST_PASSPHRASE", "correct horse")
	w, err := Open(db, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mnemonic := w.Mnemonic()
	w.Close()

	w, err = Open(db, config)
	if err != nil {
		t.Fatalf("unexpected error reopening wallet: %v", err)
	}
	if w.Mnemonic() != mnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, w.Mnemonic())
	}
	w.Close()

	t.Setenv("NUTPAY_TEST_PASSPHRASE", "battery staple")
	if _, err := Open(db, config); !errors.Is(err, storage.ErrWrongPassphrase) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrWrongPassphrase, err)
	}
}

func TestLoadWalletBackends(t *testing.T) {
	for _, backend := range []string{BoltBackend, SQLiteBackend} {
		t.Run(backend, func(t *testing.T) {
			config := testConfig()
			config.Backend = backend
			config.WalletPath = t.TempDir()

			w, err := LoadWallet(config)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			mnemonic := w.Mnemonic()
			if mnemonic == "" {
				t.Fatal("expected wallet seed to be generated")
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			w, err = LoadWallet(config)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer w.Close()
			if w.Mnemonic() != mnemonic {
				t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, w.Mnemonic())
			}
		})
	}
}

func TestCallerCanceledDuringMintRequest(t *testing.T) {
	t.Run("send", func(t *testing.T) {
		server := newTestMint(t, testutils.MintOptions{})
		w := newTestWallet(t, testConfig(server.URL))
		fund(t, w, server, 100)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		server.BeforeResponse("/v1/swap", cancel)

		result := w.GenerateSendToken(ctx, server.URL, 30)
		if !result.Success {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if ctx.Err() == nil {
			t.Fatal("expected caller context to be canceled")
		}
		expectBalance(t, w, 70)
		expectReserved(t, w, 0)
	})

	t.Run("receive", func(t *testing.T) {
		server := newTestMint(t, testutils.MintOptions{})
		sender := newTestWallet(t, testConfig(server.URL))
		receiver := newTestWallet(t, testConfig(server.URL))
		fund(t, sender, server, 64)
		sent := sender.GenerateSendToken(context.Background(), server.URL, 20)
		if !sent.Success {
			t.Fatalf("unexpected error: %v", sent.Err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		server.BeforeResponse("/v1/swap", cancel)

		result := receiver.ReceiveToken(ctx, sent.Token)
		if !result.Success {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		expectBalance(t, receiver, 20)
	})

	t.Run("mint", func(t *testing.T) {
		server := newTestMint(t, testutils.MintOptions{})
		w := newTestWallet(t, testConfig(server.URL))
		quote, err := w.Facade().RequestMintQuote(context.Background(), server.URL, 42)
		if err != nil {
			t.Fatal(err)
		}
		if err := server.Mint().PayMintQuote(quote.Quote); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		server.BeforeResponse("/v1/mint/bolt11", cancel)

		result := w.MintProofsFromQuote(ctx, server.URL, 42, quote.Quote)
		if !result.Success {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		expectBalance(t, w, 42)
	})

	t.Run("melt", func(t *testing.T) {
		w, server := newMeltWallet(t)
		invoice := newInvoice(t, 20)
		quote := w.RequestMeltQuote(context.Background(), "", invoice)
		if !quote.Success {
			t.Fatalf("unexpected error: %v", quote.Err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		server.BeforeResponse("/v1/melt/bolt11", cancel)

		result := w.PayLightningInvoice(ctx, quote.Mint, invoice, quote.QuoteId, quote.Amount, quote.FeeReserve)
		if !result.Success || result.Pending {
			t.Fatalf("expected paid invoice but got %+v", result)
		}
		if result.Preimage != testutils.FakePreimage {
			t.Fatalf("expected preimage '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
		}
		expectBalance(t, w, 100-result.Amount)
		expectReserved(t, w, 0)
	})
}

func TestMeltSettledOnce(t *testing.T) {
	ctx := context.Background()
	w, _ := newMeltWallet(t)

	result := w.Pay(ctx, "", newInvoice(t, 20))
	if !result.Success {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	pending, err := w.tokens.Get(ctx, result.PendingTokenId)
	if err != nil {
		t.Fatal(err)
	}
	token, err := cashu.DecodeToken(pending.Token)
	if err != nil {
		t.Fatal(err)
	}

	// a reconciliation that listed the token before the payment settled it
	if w.finalizeMelt(ctx, result.Mint, token.Proofs(), nil, pending.Id, result.TransactionId) {
		t.Fatal("expected settled melt not to be finalized again")
	}
	tx, err := w.history.Get(ctx, result.TransactionId)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Amount != result.Amount {
		t.Fatalf("expected transaction amount '%v' but got '%v'", result.Amount, tx.Amount)
	}
	expectBalance(t, w, 100-result.Amount)

	reconciled, err := w.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled.MeltsPaid != 0 {
		t.Fatalf("expected no melts settled but got '%v'", reconciled.MeltsPaid)
	}
}

// failingStore fails writes to the keys set with failOn.
type failingStore struct {
	storage.Store
	mu   sync.Mutex
	keys map[string]bool
}

func newFailingStore() *failingStore {
	return &failingStore{Store: storage.NewMemoryStore(), keys: make(map[string]bool)}
}

func (s *failingStore) failOn(key string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = fail
}

func (s *failingStore) Set(key string, value []byte) error {
	s.mu.Lock()
	fail := s.keys[key]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Set(key, value)
}

func TestSendWithoutPendingRecord(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	db := newFailingStore()
	w, err := Open(db, testConfig(server.URL))
	if err != nil {
		t.Fatalf("error opening wallet: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	fund(t, w, server, 64)

	db.failOn("recovery/pending_tokens", true)
	result := w.GenerateSendToken(ctx, server.URL, 20)
	if result.Success || result.Token != "" {
		t.Fatalf("expected send to fail without a pending token record: %+v", result)
	}
	// the swapped proofs are all kept
	expectBalance(t, w, 64)
	expectReserved(t, w, 0)

	tx, err := w.history.Get(ctx, result.TransactionId)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != history.Failed {
		t.Fatalf("expected transaction status '%v' but got '%v'", history.Failed, tx.Status)
	}
}

func TestReceiveKeepsUnstoredProofs(t *testing.T) {
	ctx := context.Background()
	server := newTestMint(t, testutils.MintOptions{})
	sender := newTestWallet(t, testConfig(server.URL))
	fund(t, sender, server, 64)
	sent := sender.GenerateSendToken(ctx, server.URL, 20)
	if !sent.Success {
		t.Fatalf("unexpected error: %v", sent.Err)
	}

	db := newFailingStore()
	receiver, err := Open(db, testConfig(server.URL))
	if err != nil {
		t.Fatalf("error opening wallet: %v", err)
	}
	t.Cleanup(func() { receiver.Close() })

	db.failOn("ledger/proofs", true)
	result := receiver.ReceiveToken(ctx, sent.Token)
	if !errors.Is(result.Err, ErrProofsNotStored) {
		t.Fatalf("expected error '%v' but got '%v'", ErrProofsNotStored, result.Err)
	}
	expectBalance(t, receiver, 0)

	kept := pendingTokensWithStatus(t, receiver, recovery.TokenPending)
	if len(kept) != 1 || kept[0].Amount != 20 {
		t.Fatalf("expected one pending token of '%v' but got %+v", 20, kept)
	}

	db.failOn("ledger/proofs", false)
	reclaimed := receiver.ReclaimPendingToken(ctx, kept[0].Id)
	if !reclaimed.Success {
		t.Fatalf("unexpected error: %v", reclaimed.Err)
	}
	expectBalance(t, receiver, 20)
}

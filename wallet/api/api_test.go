package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elnosh/nutpay/testutils"
	"github.com/elnosh/nutpay/wallet"
	"github.com/elnosh/nutpay/wallet/storage"
)

const testToken = "secret-token"

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, mint *testutils.Server) (*Server, *wallet.Wallet) {
	w, err := wallet.Open(storage.NewMemoryStore(), wallet.Config{
		Backend: wallet.MemoryBackend,
		Mints:   []string{mint.URL},
		Logger:  discardLogger,
	})
	if err != nil {
		t.Fatalf("error opening wallet: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return NewServer(w, Options{Token: testToken}, discardLogger), w
}

func fund(t *testing.T, w *wallet.Wallet, mint *testutils.Server, amount uint64) {
	ctx := context.Background()
	quote, err := w.Facade().RequestMintQuote(ctx, mint.URL, amount)
	if err != nil {
		t.Fatal(err)
	}
	if err := mint.Mint().PayMintQuote(quote.Quote); err != nil {
		t.Fatal(err)
	}
	if result := w.MintProofsFromQuote(ctx, mint.URL, amount, quote.Quote); !result.Success {
		t.Fatalf("error minting proofs: %v", result.Err)
	}
}

func do(t *testing.T, s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	return v
}

func TestAuth(t *testing.T) {
	mint := newTestMint(t)
	s, _ := newTestServer(t, mint)

	tests := []struct {
		path     string
		token    string
		expected int
	}{
		{"/health", "", http.StatusOK},
		{"/balance", "", http.StatusUnauthorized},
		{"/balance", "wrong", http.StatusUnauthorized},
		{"/balance", testToken, http.StatusOK},
	}

	for _, test := range tests {
		rec := do(t, s, http.MethodGet, test.path, nil, test.token)
		if rec.Code != test.expected {
			t.Fatalf("%v: expected status '%v' but got '%v'", test.path, test.expected, rec.Code)
		}
	}
}

func newTestMint(t *testing.T) *testutils.Server {
	mint, err := testutils.NewMintServer(testutils.MintOptions{FeeReserve: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mint.Close)
	return mint
}

func TestSendAndReceive(t *testing.T) {
	mint := newTestMint(t)
	sender, senderWallet := newTestServer(t, mint)
	receiver, _ := newTestServer(t, mint)
	fund(t, senderWallet, mint, 64)

	rec := do(t, sender, http.MethodPost, "/tokens/send", sendRequest{Amount: 20}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusOK, rec.Code, rec.Body.String())
	}
	sent := decode[wallet.TokenResult](t, rec)
	if !sent.Success || sent.Token == "" {
		t.Fatalf("unexpected result: %+v", sent)
	}

	rec = do(t, receiver, http.MethodPost, "/tokens/receive", receiveRequest{Token: sent.Token}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusOK, rec.Code, rec.Body.String())
	}
	received := decode[wallet.ReceiveResult](t, rec)
	if received.Amount != 20 {
		t.Fatalf("expected amount '%v' but got '%v'", 20, received.Amount)
	}

	rec = do(t, receiver, http.MethodGet, "/balance", nil, testToken)
	balance := decode[wallet.Balance](t, rec)
	if balance.Total != 20 {
		t.Fatalf("expected balance '%v' but got '%v'", 20, balance.Total)
	}

	rec = do(t, sender, http.MethodGet, "/balance", nil, testToken)
	balance = decode[wallet.Balance](t, rec)
	if balance.Total != 44 {
		t.Fatalf("expected balance '%v' but got '%v'", 44, balance.Total)
	}
}

func TestErrorStatus(t *testing.T) {
	mint := newTestMint(t)
	s, w := newTestServer(t, mint)
	fund(t, w, mint, 16)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		expected int
	}{
		{"insufficient balance", http.MethodPost, "/payments", paymentRequest{Amount: 100}, http.StatusPaymentRequired},
		{"zero amount", http.MethodPost, "/tokens/send", sendRequest{Amount: 0}, http.StatusBadRequest},
		{"missing token", http.MethodPost, "/tokens/receive", receiveRequest{}, http.StatusBadRequest},
		{"invalid payment request", http.MethodPost, "/payments", paymentRequest{Request: "creqAnope"}, http.StatusBadRequest},
		{"unknown pending token", http.MethodPost, "/tokens/pending/nope/reclaim", nil, http.StatusNotFound},
		{"unknown mint quote", http.MethodPost, "/mint/quotes/nope/mint", nil, http.StatusNotFound},
		{"invalid invoice", http.MethodPost, "/melt/quote", meltQuoteRequest{Invoice: "lnbc1nope"}, http.StatusBadRequest},
		{"untrusted mint", http.MethodPost, "/mint/quote", mintQuoteRequest{Mint: "https://other.mint.com", Amount: 8}, http.StatusForbidden},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := do(t, s, test.method, test.path, test.body, testToken)
			if rec.Code != test.expected {
				t.Fatalf("expected status '%v' but got '%v': %v", test.expected, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStatusForWalletErrors(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{wallet.ErrTokenSpent, http.StatusConflict},
		{fmt.Errorf("%w: disk full", wallet.ErrProofsNotStored), http.StatusInternalServerError},
		{errors.New("mint unreachable"), http.StatusBadGateway},
	}

	for _, test := range tests {
		if status := statusFor(false, test.err); status != test.expected {
			t.Fatalf("expected status '%v' but got '%v' for '%v'", test.expected, status, test.err)
		}
	}
}

func TestPayInvoice(t *testing.T) {
	mint := newTestMint(t)
	s, w := newTestServer(t, mint)
	// 100 = 4 + 32 + 64
	fund(t, w, mint, 100)

	invoice, _, _, err := testutils.CreateFakeInvoice(10)
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodPost, "/melt/quote", meltQuoteRequest{Invoice: invoice}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusOK, rec.Code, rec.Body.String())
	}
	quote := decode[wallet.MeltQuoteResult](t, rec)
	if quote.Amount != 10 || quote.FeeReserve != 2 {
		t.Fatalf("unexpected melt quote: %+v", quote)
	}

	rec = do(t, s, http.MethodPost, "/melt", payInvoiceRequest{
		Invoice:    invoice,
		QuoteId:    quote.QuoteId,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusOK, rec.Code, rec.Body.String())
	}
	payment := decode[wallet.PaymentResult](t, rec)
	if payment.Preimage != testutils.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v'", testutils.FakePreimage, payment.Preimage)
	}

	mint.Mint().SetMeltBehavior(testutils.MeltHangPending)
	invoice, _, _, err = testutils.CreateFakeInvoice(5)
	if err != nil {
		t.Fatal(err)
	}
	rec = do(t, s, http.MethodPost, "/pay", meltQuoteRequest{Invoice: invoice}, testToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/reconcile", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status '%v' but got '%v': %v", http.StatusOK, rec.Code, rec.Body.String())
	}
}

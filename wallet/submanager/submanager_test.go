package submanager

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/testutils"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/mints"
	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/storage"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	server  *testutils.Server
	facade  *mints.Facade
	manager *Manager
}

func setup(t *testing.T, mintOpts testutils.MintOptions, opts Options) testEnv {
	server, err := testutils.NewMintServer(mintOpts)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(storage.NewMemoryStore(), mutex.New(), discardLogger)
	facade := mints.New(l, nil, cashu.Sat, nil, discardLogger)
	manager := New(facade, opts, discardLogger)
	t.Cleanup(func() {
		manager.Close()
		server.Close()
	})
	return testEnv{server: server, facade: facade, manager: manager}
}

func (env testEnv) requestQuote(t *testing.T, amount uint64) string {
	quote, err := env.facade.RequestMintQuote(context.Background(), env.server.URL, amount)
	if err != nil {
		t.Fatal(err)
	}
	return quote.Quote
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPushSubscription(t *testing.T) {
	env := setup(t, testutils.MintOptions{}, Options{PollInterval: time.Hour})
	quoteId := env.requestQuote(t, 100)

	var calls atomic.Int32
	ok, err := env.manager.Subscribe(env.server.URL, quoteId, func(mint, id string) {
		if id != quoteId {
			t.Errorf("expected quote '%v' but got '%v'", quoteId, id)
		}
		calls.Add(1)
	})
	if err != nil || !ok {
		t.Fatalf("expected new subscription but got '%v' '%v'", ok, err)
	}
	waitFor(t, 5*time.Second, func() bool { return env.server.Mint().Requests("ws") == 1 })

	if err := env.server.Mint().PayMintQuote(quoteId); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 1 })
	waitFor(t, 5*time.Second, func() bool { return !env.manager.Active(quoteId) })

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected onPaid to be called once but got '%v'", calls.Load())
	}
	if env.server.Mint().Requests("mint_quote_state") != 0 {
		t.Fatal("expected no polling when push is available")
	}
}

func TestPollingSubscription(t *testing.T) {
	env := setup(t, testutils.MintOptions{DisablePush: true}, Options{PollInterval: 20 * time.Millisecond})
	quoteId := env.requestQuote(t, 100)

	var calls atomic.Int32
	if _, err := env.manager.Subscribe(env.server.URL, quoteId, func(string, string) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return env.server.Mint().Requests("mint_quote_state") >= 2 })

	if err := env.server.Mint().PayMintQuote(quoteId); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 1 })
	if env.server.Mint().Requests("ws") != 0 {
		t.Fatal("expected no websocket connection when mint does not support push")
	}
}

func TestPushFallbackToPolling(t *testing.T) {
	env := setup(t, testutils.MintOptions{}, Options{
		PollInterval: 20 * time.Millisecond,
		PushTimeout:  100 * time.Millisecond,
	})
	quoteId := env.requestQuote(t, 100)

	var calls atomic.Int32
	if _, err := env.manager.Subscribe(env.server.URL, quoteId, func(string, string) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return env.server.Mint().Requests("mint_quote_state") >= 1 })

	if err := env.server.Mint().PayMintQuote(quoteId); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 1 })
}

func TestSubscribeTwice(t *testing.T) {
	env := setup(t, testutils.MintOptions{DisablePush: true}, Options{PollInterval: time.Hour})
	quoteId := env.requestQuote(t, 100)

	ok, err := env.manager.Subscribe(env.server.URL, quoteId, nil)
	if err != nil || !ok {
		t.Fatalf("expected new subscription but got '%v' '%v'", ok, err)
	}
	ok, err = env.manager.Subscribe(env.server.URL, quoteId, nil)
	if err != nil || ok {
		t.Fatalf("expected second subscribe to be a no-op but got '%v' '%v'", ok, err)
	}
	if env.manager.Len() != 1 {
		t.Fatalf("expected '%v' subscriptions but got '%v'", 1, env.manager.Len())
	}
}

func TestUnsubscribe(t *testing.T) {
	env := setup(t, testutils.MintOptions{DisablePush: true}, Options{PollInterval: 20 * time.Millisecond})
	quoteId := env.requestQuote(t, 100)

	var calls atomic.Int32
	if _, err := env.manager.Subscribe(env.server.URL, quoteId, func(string, string) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	env.manager.Unsubscribe(quoteId)
	env.manager.Unsubscribe(quoteId)
	if env.manager.Active(quoteId) {
		t.Fatal("expected subscription to be removed")
	}

	if err := env.server.Mint().PayMintQuote(quoteId); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("expected onPaid not to be called after unsubscribe but got '%v' calls", calls.Load())
	}
}

func TestIssuedQuoteStops(t *testing.T) {
	env := setup(t, testutils.MintOptions{DisablePush: true}, Options{PollInterval: 20 * time.Millisecond})
	quoteId := env.requestQuote(t, 8)
	if err := env.server.Mint().PayMintQuote(quoteId); err != nil {
		t.Fatal(err)
	}
	if _, err := env.facade.MintProofs(context.Background(), env.server.URL, quoteId, 8); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	if _, err := env.manager.Subscribe(env.server.URL, quoteId, func(string, string) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return !env.manager.Active(quoteId) })
	if calls.Load() != 0 {
		t.Fatal("expected onPaid not to be called for an issued quote")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	env := setup(t, testutils.MintOptions{DisablePush: true}, Options{})
	env.manager.Close()
	if _, err := env.manager.Subscribe(env.server.URL, "quote", nil); err != ErrManagerClosed {
		t.Fatalf("expected error '%v' but got '%v'", ErrManagerClosed, err)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		mint     string
		expected string
	}{
		{"http://127.0.0.1:3338", "ws://127.0.0.1:3338/v1/ws"},
		{"https://mint.example.com", "wss://mint.example.com/v1/ws"},
		{"https://example.com/cashu", "wss://example.com/cashu/v1/ws"},
	}
	for _, test := range tests {
		wsURL, err := websocketURL(test.mint)
		if err != nil {
			t.Fatal(err)
		}
		if wsURL != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, wsURL)
		}
	}
}

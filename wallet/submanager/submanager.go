// Package submanager watches mint quotes until they are paid. Mints that
// advertise NUT-17 are watched over a websocket and the rest are polled.
package submanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut17"
	"github.com/elnosh/nutpay/wallet/mints"
	"github.com/gorilla/websocket"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPushTimeout  = 10 * time.Minute
)

var ErrManagerClosed = errors.New("subscription manager is closed")

// QuoteSource is the part of the mint facade used to watch quotes.
type QuoteSource interface {
	Capabilities(ctx context.Context, mint string) (mints.Capabilities, error)
	MintQuoteState(ctx context.Context, mint, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
}

// OnPaid is called once when a watched quote is paid.
type OnPaid func(mint, quoteId string)

type Options struct {
	PollInterval time.Duration
	PushTimeout  time.Duration
	Dialer       *websocket.Dialer
}

type subscription struct {
	mint    string
	quoteId string
	cancel  context.CancelFunc
	onPaid  OnPaid
	once    sync.Once
}

type Manager struct {
	source       QuoteSource
	logger       *slog.Logger
	pollInterval time.Duration
	pushTimeout  time.Duration
	dialer       *websocket.Dialer

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(source QuoteSource, opts Options, logger *slog.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		source:       source,
		logger:       logger,
		pollInterval: opts.PollInterval,
		pushTimeout:  opts.PushTimeout,
		dialer:       opts.Dialer,
		subs:         make(map[string]*subscription),
	}
}

// Subscribe starts watching the quote. It returns false without doing
// anything if the quote is already being watched.
func (m *Manager) Subscribe(mint, quoteId string, onPaid OnPaid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrManagerClosed
	}
	if _, ok := m.subs[quoteId]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{mint: mint, quoteId: quoteId, cancel: cancel, onPaid: onPaid}
	m.subs[quoteId] = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(ctx, sub)
	}()
	return true, nil
}

// Unsubscribe stops watching the quote. Calling it for a quote that is
// not watched is a no-op.
func (m *Manager) Unsubscribe(quoteId string) {
	m.mu.Lock()
	sub, ok := m.subs[quoteId]
	if ok {
		delete(m.subs, quoteId)
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Active reports whether the quote is being watched.
func (m *Manager) Active(quoteId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[quoteId]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every subscription and waits for them to stop.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.wg.Wait()
}

// release removes the subscription from the registry if it is still the
// registered one for its quote.
func (m *Manager) release(sub *subscription) {
	m.mu.Lock()
	if current, ok := m.subs[sub.quoteId]; ok && current == sub {
		delete(m.subs, sub.quoteId)
	}
	m.mu.Unlock()
	sub.cancel()
}

func (m *Manager) paid(sub *subscription) {
	m.release(sub)
	sub.once.Do(func() {
		m.logger.Info("mint quote paid", "mint", sub.mint, "quote", sub.quoteId)
		if sub.onPaid != nil {
			sub.onPaid(sub.mint, sub.quoteId)
		}
	})
}

func (m *Manager) watch(ctx context.Context, sub *subscription) {
	caps, err := m.source.Capabilities(ctx, sub.mint)
	if err != nil {
		m.logger.Warn("could not get mint capabilities, polling quote", "mint", sub.mint, "error", err)
	}

	if err == nil && caps.MintQuotePush {
		state, err := m.push(ctx, sub)
		if err == nil {
			m.settle(sub, state)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("push subscription failed, falling back to polling",
			"mint", sub.mint, "quote", sub.quoteId, "error", err)
	}
	m.poll(ctx, sub)
}

func (m *Manager) settle(sub *subscription, state nut04.State) {
	switch state {
	case nut04.Paid:
		m.paid(sub)
	case nut04.Issued:
		m.logger.Info("mint quote already issued", "mint", sub.mint, "quote", sub.quoteId)
		m.release(sub)
	}
}

func (m *Manager) poll(ctx context.Context, sub *subscription) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		quote, err := m.source.MintQuoteState(ctx, sub.mint, sub.quoteId)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("could not get mint quote state", "mint", sub.mint, "quote", sub.quoteId, "error", err)
		} else {
			switch quote.State {
			case nut04.Paid, nut04.Issued:
				m.settle(sub, quote.State)
				return
			}
			if quote.Expiry > 0 && time.Now().Unix() > quote.Expiry {
				m.logger.Info("mint quote expired", "mint", sub.mint, "quote", sub.quoteId)
				m.release(sub)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// push waits for the quote to reach PAID or ISSUED on the mint's
// websocket. It gives up after the push timeout.
func (m *Manager) push(ctx context.Context, sub *subscription) (nut04.State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.pushTimeout)
	defer cancel()

	wsURL, err := websocketURL(sub.mint)
	if err != nil {
		return 0, err
	}
	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return 0, fmt.Errorf("could not connect to mint websocket: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	hash := sha256.Sum256([]byte(sub.quoteId))
	subId := hex.EncodeToString(hash[:])
	request := nut17.NewSubscribeRequest(0, subId, nut17.Bolt11MintQuote, []string{sub.quoteId})
	if err := conn.WriteJSON(request); err != nil {
		return 0, fmt.Errorf("could not send subscription request: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}

		msg, err := nut17.DecodeMessage(data)
		if err != nil {
			continue
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("mint rejected subscription: %w", *msg.Error)
		}
		if msg.Params == nil || msg.Params.SubId != subId {
			continue
		}

		var quote nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(msg.Params.Payload, &quote); err != nil {
			return 0, fmt.Errorf("invalid notification payload: %w", err)
		}
		if quote.State == nut04.Paid || quote.State == nut04.Issued {
			// best effort, the connection is closed right after
			conn.WriteJSON(nut17.NewUnsubscribeRequest(1, subId))
			return quote.State, nil
		}
	}
}

func websocketURL(mint string) (string, error) {
	mintURL, err := url.Parse(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + mintURL.Host + mintURL.Path + "/v1/ws", nil
}

// Package wallet orchestrates payments on top of the proof ledger: it
// reserves proofs, talks to mints through the facade and decides what
// happens to reserved proofs when an operation fails.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/mints"
	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/recovery"
	"github.com/elnosh/nutpay/wallet/seed"
	"github.com/elnosh/nutpay/wallet/storage"
	"github.com/elnosh/nutpay/wallet/submanager"
)

var (
	ErrNoAvailableMint = errors.New("no available mint")
	ErrUntrustedMint   = errors.New("mint is not trusted")
	ErrUnitMismatch    = errors.New("unit does not match wallet unit")
	ErrInvalidInvoice  = errors.New("invalid lightning invoice")
	ErrLockedToken     = errors.New("token is locked to a spending condition")
	ErrProofsNotStored = errors.New("could not store received proofs")
)

type Wallet struct {
	config Config
	logger *slog.Logger
	unit   cashu.Unit
	closer io.Closer

	ledger  *ledger.Ledger
	quotes  *recovery.MintQuoteStore
	tokens  *recovery.PendingTokenStore
	history *history.Store
	seed    *seed.Seed
	mints   *mints.Facade
	subs    *submanager.Manager

	// ctx is cancelled on Close. Work started by quote subscriptions
	// runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	// reservations hold it for reading until their proofs are marked
	// in flight, reconciliation holds it for writing while it collects
	// leftover reserved proofs.
	reserveMu  sync.RWMutex
	inflightMu sync.Mutex
	// secrets of proofs reserved by operations still running
	inflight map[string]struct{}
}

// LoadWallet opens the storage backend set in config and loads the wallet.
func LoadWallet(config Config) (*Wallet, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}

	var (
		db     storage.Store
		closer io.Closer
	)
	switch config.Backend {
	case MemoryBackend:
		db = storage.NewMemoryStore()
	case SQLiteBackend, BoltBackend:
		if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
			return nil, err
		}
		if config.Backend == SQLiteBackend {
			sqlite, err := storage.InitSQLite(config.WalletPath)
			if err != nil {
				return nil, fmt.Errorf("error opening sqlite storage: %w", err)
			}
			db, closer = sqlite, sqlite
		} else {
			bolt, err := storage.InitBolt(config.WalletPath)
			if err != nil {
				return nil, fmt.Errorf("error opening bolt storage: %w", err)
			}
			db, closer = bolt, bolt
		}
	}

	wallet, err := Open(db, config)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	wallet.closer = closer
	return wallet, nil
}

// Open loads the wallet from db. All state except the key material is
// encrypted. Any decryption failure is returned, never treated as an
// empty wallet.
func Open(db storage.Store, config Config) (*Wallet, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	unit, err := cashu.UnitFromString(config.Unit)
	if err != nil {
		return nil, err
	}

	var key []byte
	if passphrase := passphraseFromEnv(config.PassphraseEnv); passphrase != "" {
		key, err = storage.LoadPassphraseKey(db, passphrase)
	} else {
		key, err = storage.LoadOrCreateKey(db)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading encryption key: %w", err)
	}
	cipher, err := storage.NewCipher(key)
	if err != nil {
		return nil, err
	}
	store := storage.NewEncryptedStore(db, cipher)

	walletSeed, err := loadSeed(store, config)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	mu := mutex.New()
	l := ledger.New(store, mu, logger)
	facade := mints.New(l, walletSeed, unit, mints.HTTPDialer(&http.Client{Timeout: config.HTTPTimeout}), logger)

	// fail early if stored state cannot be read
	if _, err := l.List(context.Background()); err != nil {
		return nil, fmt.Errorf("error loading proofs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wallet := &Wallet{
		config:   config,
		logger:   logger,
		unit:     unit,
		ledger:   l,
		quotes:   recovery.NewMintQuoteStore(store),
		tokens:   recovery.NewPendingTokenStore(store),
		history:  history.NewStore(store, config.MaxHistory),
		seed:     walletSeed,
		mints:    facade,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	wallet.subs = submanager.New(facade, submanager.Options{
		PollInterval: config.PollInterval,
		PushTimeout:  config.PushTimeout,
	}, logger)
	return wallet, nil
}

func passphraseFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func loadSeed(store storage.Store, config Config) (*seed.Seed, error) {
	walletSeed, err := seed.Load(store)
	if err == nil {
		return walletSeed, nil
	}
	if !errors.Is(err, seed.ErrNoSeed) {
		return nil, err
	}

	switch {
	case config.Mnemonic != "":
		return seed.Import(store, config.Mnemonic)
	case config.RandomSecrets:
		return nil, nil
	default:
		return seed.Generate(store)
	}
}

// Close stops quote subscriptions and closes the storage backend.
func (w *Wallet) Close() error {
	w.cancel()
	w.subs.Close()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

// Mnemonic returns the seed phrase, empty for wallets using random secrets.
func (w *Wallet) Mnemonic() string {
	if w.seed == nil {
		return ""
	}
	return w.seed.Mnemonic()
}

func (w *Wallet) DefaultMint() string {
	return w.config.DefaultMint
}

func (w *Wallet) TrustedMints() []string {
	return slices.Clone(w.config.Mints)
}

func (w *Wallet) Facade() *mints.Facade {
	return w.mints
}

func (w *Wallet) Balance(ctx context.Context) (Balance, error) {
	byMint, err := w.ledger.BalanceByMint(ctx)
	if err != nil {
		return Balance{}, err
	}
	var total uint64
	for _, amount := range byMint {
		total += amount
	}
	return Balance{Total: total, ByMint: byMint, Unit: w.unit.String()}, nil
}

func (w *Wallet) Transactions(ctx context.Context) ([]history.Transaction, error) {
	return w.history.List(ctx)
}

func (w *Wallet) trusted(mint string) bool {
	return len(w.config.Mints) == 0 || slices.Contains(w.config.Mints, mint)
}

func (w *Wallet) holdInflight(proofs cashu.Proofs) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	for _, proof := range proofs {
		w.inflight[proof.Secret] = struct{}{}
	}
}

func (w *Wallet) releaseInflight(proofs cashu.Proofs) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	for _, proof := range proofs {
		delete(w.inflight, proof.Secret)
	}
}

func (w *Wallet) isInflight(secret string) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	_, ok := w.inflight[secret]
	return ok
}

// reserve selects and reserves proofs covering amount plus the input fee
// those proofs cost. If the first selection does not cover the fee it is
// released and a second one is made with the fee included in the target.
// The returned proofs are in flight until the caller releases them.
func (w *Wallet) reserve(ctx context.Context, mint string, amount uint64) (ledger.Selection, uint64, error) {
	w.reserveMu.RLock()
	defer w.reserveMu.RUnlock()

	selection, err := w.ledger.SelectAndReserve(ctx, mint, amount)
	if err != nil {
		return ledger.Selection{}, 0, err
	}
	fee, err := w.mints.InputFee(ctx, mint, selection.Proofs)
	if err != nil {
		w.revert(ctx, selection.Proofs)
		return ledger.Selection{}, 0, err
	}
	if selection.Total >= amount+fee {
		w.holdInflight(selection.Proofs)
		return selection, fee, nil
	}

	w.revert(ctx, selection.Proofs)
	selection, err = w.ledger.SelectAndReserve(ctx, mint, amount+fee)
	if err != nil {
		return ledger.Selection{}, 0, err
	}
	fee, err = w.mints.InputFee(ctx, mint, selection.Proofs)
	if err != nil {
		w.revert(ctx, selection.Proofs)
		return ledger.Selection{}, 0, err
	}
	if selection.Total < amount+fee {
		w.revert(ctx, selection.Proofs)
		return ledger.Selection{}, 0, fmt.Errorf("%w: have %v, need %v", ledger.ErrInsufficientFunds, selection.Total, amount+fee)
	}
	w.holdInflight(selection.Proofs)
	return selection, fee, nil
}

// detach drops the cancellation of ctx. Once proofs are handed to a mint
// the request and the bookkeeping after it run to the end even if the
// caller goes away. The http client timeout still bounds each request.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (w *Wallet) revert(ctx context.Context, proofs cashu.Proofs) {
	if _, err := w.ledger.RevertPendingSpend(context.WithoutCancel(ctx), proofs); err != nil {
		w.logger.Error("could not revert reserved proofs", "count", len(proofs), "error", err)
	}
}

// releaseAfterFailure decides what happens to reserved proofs after a swap
// failed. Protocol errors mean the mint rejected the request and the proofs
// go back to LIVE. Invalid DLEQ means the mint took the inputs so they stay
// reserved. Otherwise the mint is asked whether the inputs were spent and
// they stay reserved for reconciliation if that cannot be answered.
func (w *Wallet) releaseAfterFailure(ctx context.Context, mint string, proofs cashu.Proofs, cause error) {
	if errors.Is(cause, mints.ErrInvalidDLEQ) || errors.Is(cause, mints.ErrMissingDLEQ) {
		w.logger.Error("mint returned signatures with invalid DLEQ, inputs left pending",
			"mint", mint, "amount", proofs.Amount())
		return
	}
	var cashuErr cashu.Error
	if errors.As(cause, &cashuErr) {
		w.revert(ctx, proofs)
		return
	}

	states, err := w.mints.CheckProofStates(ctx, mint, proofs)
	if err != nil {
		w.logger.Warn("could not check state of reserved proofs, left pending",
			"mint", mint, "amount", proofs.Amount(), "error", err)
		return
	}
	for _, proof := range proofs {
		if states[proof.Secret] != nut07.Unspent {
			w.logger.Warn("reserved proofs not unspent at mint, left pending",
				"mint", mint, "amount", proofs.Amount())
			return
		}
	}
	w.revert(ctx, proofs)
}

func (w *Wallet) recordTx(ctx context.Context, tx history.Transaction) history.Transaction {
	tx.Unit = w.unit.String()
	recorded, err := w.history.Record(ctx, tx)
	if err != nil {
		w.logger.Error("could not record transaction", "type", tx.Type, "error", err)
		return tx
	}
	return recorded
}

func (w *Wallet) completeTx(ctx context.Context, id string, amount uint64, token string) {
	if id == "" {
		return
	}
	status := history.Completed
	update := history.Update{Status: &status, Amount: &amount}
	if token != "" {
		update.Token = &token
	}
	if err := w.history.Update(ctx, id, update); err != nil {
		w.logger.Error("could not update transaction", "id", id, "error", err)
	}
}

func (w *Wallet) failTx(ctx context.Context, id string, cause error) {
	if id == "" {
		return
	}
	status := history.Failed
	msg := cause.Error()
	if err := w.history.Update(ctx, id, history.Update{Status: &status, Error: &msg}); err != nil {
		w.logger.Error("could not update transaction", "id", id, "error", err)
	}
}

func (w *Wallet) normalizeMint(mint string) (string, error) {
	if mint == "" {
		if w.config.DefaultMint == "" {
			return "", ErrNoAvailableMint
		}
		return w.config.DefaultMint, nil
	}
	return cashu.NormalizeMintURL(mint)
}

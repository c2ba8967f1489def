// Package mints wraps the mint protocol client with per-mint state:
// keysets and fees, advertised capabilities and the choice between
// deterministic and random secrets.
package mints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut01"
	"github.com/elnosh/nutpay/cashu/nuts/nut02"
	"github.com/elnosh/nutpay/cashu/nuts/nut03"
	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut06"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/cashu/nuts/nut09"
	"github.com/elnosh/nutpay/cashu/nuts/nut17"
	"github.com/elnosh/nutpay/crypto"
	"github.com/elnosh/nutpay/wallet/client"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/seed"
)

const keysetTTL = time.Hour

var (
	ErrNoActiveKeyset     = errors.New("mint has no active keyset for unit")
	ErrUnknownKeyset      = errors.New("unknown keyset")
	ErrKeysetIdMismatch   = errors.New("keyset id does not match its keys")
	ErrSignatureMismatch  = errors.New("mint returned an unexpected number of signatures")
	ErrInsufficientInputs = errors.New("inputs do not cover amount and fees")
)

// MintAPI is the mint protocol as used by the facade.
// *client.Client implements it.
type MintAPI interface {
	GetMintInfo(ctx context.Context) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error)
	GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostSwap(ctx context.Context, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

// Dialer returns the protocol client for a mint url.
type Dialer func(mintURL string) MintAPI

func HTTPDialer(httpClient *http.Client) Dialer {
	return func(mintURL string) MintAPI {
		return client.New(mintURL, httpClient)
	}
}

// Capabilities are the optional NUTs a mint advertises that change
// how the wallet talks to it.
type Capabilities struct {
	DLEQ          bool
	BlankOutputs  bool
	CheckState    bool
	Restore       bool
	MintQuotePush bool
	MeltQuotePush bool
}

type mintState struct {
	api          MintAPI
	info         *nut06.MintInfo
	keysets      map[string]crypto.WalletKeyset
	keysetsFetch time.Time
}

type Facade struct {
	ledger *ledger.Ledger
	seed   *seed.Seed
	unit   cashu.Unit
	dial   Dialer
	logger *slog.Logger

	mu    sync.Mutex
	mints map[string]*mintState
}

// New creates the facade. A nil seed means every secret is random.
func New(l *ledger.Ledger, s *seed.Seed, unit cashu.Unit, dial Dialer, logger *slog.Logger) *Facade {
	if dial == nil {
		dial = HTTPDialer(nil)
	}
	return &Facade{
		ledger: l,
		seed:   s,
		unit:   unit,
		dial:   dial,
		logger: logger,
		mints:  make(map[string]*mintState),
	}
}

func (f *Facade) Unit() cashu.Unit {
	return f.unit
}

// Deterministic reports whether outputs are derived from the wallet seed.
func (f *Facade) Deterministic() bool {
	return f.seed != nil
}

func (f *Facade) state(mint string) (*mintState, error) {
	mint, err := cashu.NormalizeMintURL(mint)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.mints[mint]
	if !ok {
		st = &mintState{api: f.dial(mint)}
		f.mints[mint] = st
	}
	return st, nil
}

// API returns the protocol client for mint.
func (f *Facade) API(mint string) (MintAPI, error) {
	st, err := f.state(mint)
	if err != nil {
		return nil, err
	}
	return st.api, nil
}

func (f *Facade) Info(ctx context.Context, mint string) (*nut06.MintInfo, error) {
	st, err := f.state(mint)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	info := st.info
	f.mu.Unlock()
	if info != nil {
		return info, nil
	}

	info, err = st.api.GetMintInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting info from mint '%v': %w", mint, err)
	}
	f.mu.Lock()
	st.info = info
	f.mu.Unlock()
	return info, nil
}

func (f *Facade) Capabilities(ctx context.Context, mint string) (Capabilities, error) {
	info, err := f.Info(ctx, mint)
	if err != nil {
		return Capabilities{}, err
	}
	unit := f.unit.String()
	return Capabilities{
		DLEQ:          info.Nuts.Nut12.Supported,
		BlankOutputs:  info.Nuts.Nut08.Supported,
		CheckState:    info.Nuts.Nut07.Supported,
		Restore:       info.Nuts.Nut09.Supported,
		MintQuotePush: info.Nuts.SupportsCommand(cashu.BOLT11_METHOD, unit, nut17.Bolt11MintQuote),
		MeltQuotePush: info.Nuts.SupportsCommand(cashu.BOLT11_METHOD, unit, nut17.Bolt11MeltQuote),
	}, nil
}

// Refresh drops cached info and keysets for mint.
func (f *Facade) Refresh(mint string) error {
	st, err := f.state(mint)
	if err != nil {
		return err
	}
	f.mu.Lock()
	st.info = nil
	st.keysets = nil
	f.mu.Unlock()
	return nil
}

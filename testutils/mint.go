// Package testutils runs an in-process Cashu mint for tests: the HTTP
// API, NUT-17 websocket notifications and a fake Lightning backend.
package testutils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/crypto"
	"github.com/google/uuid"
)

const QuoteExpiry = 10 * time.Minute

// MeltBehavior controls how the fake mint answers melt requests.
type MeltBehavior int

const (
	// MeltSucceed pays the invoice and responds normally.
	MeltSucceed MeltBehavior = iota
	// MeltRejectUnpaid rejects the request without spending the inputs.
	MeltRejectUnpaid
	// MeltPayThenFail pays the invoice and spends the inputs but
	// responds with a server error.
	MeltPayThenFail
	// MeltHangPending leaves the quote and inputs pending and responds
	// with a server error.
	MeltHangPending
	// MeltUnreachable fails the melt request and every later
	// melt quote lookup.
	MeltUnreachable
)

type MintOptions struct {
	InputFeePpk uint
	FeeReserve  uint64
	// DisableDLEQ stops the mint from advertising and returning DLEQ proofs.
	DisableDLEQ bool
	// DisablePush stops the mint from advertising NUT-17.
	DisablePush bool
	// DisableBlankOutputs stops the mint from advertising NUT-08.
	DisableBlankOutputs bool
	Logger              *slog.Logger
}

type mintQuote struct {
	Id          string
	Amount      uint64
	Invoice     Invoice
	State       nut04.State
	Expiry      int64
	PaymentHash string
}

type meltQuote struct {
	Id         string
	Request    string
	Amount     uint64
	FeeReserve uint64
	State      nut05.State
	Expiry     int64
	Preimage   string
	// inputs held while the payment is pending
	pendingYs []string
}

// Mint is the mint's state. All methods are safe for concurrent use.
type Mint struct {
	mu sync.Mutex

	keysets      map[string]*crypto.MintKeyset
	activeKeyset *crypto.MintKeyset
	master       *hdkeychain.ExtendedKey
	opts         MintOptions

	mintQuotes map[string]*mintQuote
	meltQuotes map[string]*meltQuote
	// proof states keyed by Y
	proofStates map[string]nut07.State
	// signatures keyed by B_ for restore
	issued map[string]cashu.BlindedSignature

	lightning     *FakeBackend
	meltBehavior  MeltBehavior
	failSwap      error
	corruptDLEQ   bool
	requests      map[string]int
	quoteUpdates  *pubsub
	logger        *slog.Logger
	keysetCounter uint32
}

func newMint(opts MintOptions) (*Mint, error) {
	// the master key is derived from a random private key
	// the same way the mint derives it from its configured key
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(key.Serialize(), &chaincfg.RegressionNetParams)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Mint{
		keysets:      make(map[string]*crypto.MintKeyset),
		master:       master,
		opts:         opts,
		mintQuotes:   make(map[string]*mintQuote),
		meltQuotes:   make(map[string]*meltQuote),
		proofStates:  make(map[string]nut07.State),
		issued:       make(map[string]cashu.BlindedSignature),
		lightning:    &FakeBackend{},
		requests:     make(map[string]int),
		quoteUpdates: newPubSub(),
		logger:       logger,
	}
	if _, err := m.RotateKeyset(opts.InputFeePpk); err != nil {
		return nil, err
	}
	return m, nil
}

// RotateKeyset deactivates the current keyset and creates a new one.
func (m *Mint) RotateKeyset(inputFeePpk uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyset, err := crypto.GenerateKeyset(m.master, m.keysetCounter, inputFeePpk)
	if err != nil {
		return "", err
	}
	m.keysetCounter++
	if m.activeKeyset != nil {
		m.activeKeyset.Active = false
	}
	m.keysets[keyset.Id] = keyset
	m.activeKeyset = keyset
	return keyset.Id, nil
}

func (m *Mint) ActiveKeysetId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKeyset.Id
}

func (m *Mint) SetMeltBehavior(behavior MeltBehavior) {
	m.mu.Lock()
	m.meltBehavior = behavior
	m.mu.Unlock()
}

// FailSwaps makes every swap fail with err until called with nil.
func (m *Mint) FailSwaps(err error) {
	m.mu.Lock()
	m.failSwap = err
	m.mu.Unlock()
}

// CorruptDLEQ makes the mint return DLEQ proofs that do not verify.
func (m *Mint) CorruptDLEQ(corrupt bool) {
	m.mu.Lock()
	m.corruptDLEQ = corrupt
	m.mu.Unlock()
}

// Requests returns how many times an endpoint was called.
func (m *Mint) Requests(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[endpoint]
}

func (m *Mint) countRequest(endpoint string) {
	m.mu.Lock()
	m.requests[endpoint]++
	m.mu.Unlock()
}

func (m *Mint) RequestMintQuote(amount uint64, unit string) (nut04.PostMintQuoteBolt11Response, error) {
	if unit != cashu.Sat.String() {
		return nut04.PostMintQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	if amount == 0 {
		return nut04.PostMintQuoteBolt11Response{}, cashu.BuildCashuError("amount must be greater than zero", cashu.StandardErrCode)
	}

	invoice, err := m.lightning.CreateInvoice(amount)
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, err
	}

	quote := &mintQuote{
		Id:          uuid.NewString(),
		Amount:      amount,
		Invoice:     invoice,
		State:       nut04.Unpaid,
		Expiry:      time.Now().Add(QuoteExpiry).Unix(),
		PaymentHash: invoice.PaymentHash,
	}
	m.mu.Lock()
	m.mintQuotes[quote.Id] = quote
	m.mu.Unlock()
	return quote.response(), nil
}

func (q *mintQuote) response() nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   q.Id,
		Request: q.Invoice.PaymentRequest,
		State:   q.State,
		Expiry:  q.Expiry,
	}
}

func (m *Mint) GetMintQuoteState(quoteId string) (nut04.PostMintQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		return nut04.PostMintQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	return quote.response(), nil
}

// PayMintQuote simulates the invoice of the quote being paid.
func (m *Mint) PayMintQuote(quoteId string) error {
	m.mu.Lock()
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		m.mu.Unlock()
		return cashu.QuoteNotExistErr
	}
	if quote.State == nut04.Unpaid {
		quote.State = nut04.Paid
	}
	response := quote.response()
	m.mu.Unlock()

	if err := m.lightning.SettleInvoice(quote.PaymentHash); err != nil {
		return err
	}
	m.quoteUpdates.publish(response)
	return nil
}

func (m *Mint) MintTokens(quoteId string, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	switch quote.State {
	case nut04.Unpaid:
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if blindedMessages.Amount() != quote.Amount {
		return nil, cashu.BuildCashuError("outputs do not match quote amount", cashu.StandardErrCode)
	}

	signatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}
	quote.State = nut04.Issued
	go m.quoteUpdates.publish(quote.response())
	return signatures, nil
}

func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSwap != nil {
		return nil, m.failSwap
	}

	Ys, err := m.verifyProofs(proofs)
	if err != nil {
		return nil, err
	}
	fee := m.inputFee(proofs)
	if proofs.Amount() != blindedMessages.Amount()+fee {
		return nil, cashu.InsufficientProofsAmount
	}

	signatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}
	m.setStates(Ys, nut07.Spent)
	return signatures, nil
}

func (m *Mint) RequestMeltQuote(request, unit string) (nut05.PostMeltQuoteBolt11Response, error) {
	if unit != cashu.Sat.String() {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	amount, err := InvoiceAmount(request)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(err.Error(), cashu.MeltQuoteErrCode)
	}

	quote := &meltQuote{
		Id:         uuid.NewString(),
		Request:    request,
		Amount:     amount,
		FeeReserve: m.opts.FeeReserve,
		State:      nut05.Unpaid,
		Expiry:     time.Now().Add(QuoteExpiry).Unix(),
	}
	m.mu.Lock()
	m.meltQuotes[quote.Id] = quote
	m.mu.Unlock()
	return quote.response(nil), nil
}

func (q *meltQuote) response(change cashu.BlindedSignatures) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      q.Id,
		Amount:     q.Amount,
		FeeReserve: q.FeeReserve,
		State:      q.State,
		Expiry:     q.Expiry,
		Preimage:   q.Preimage,
		Change:     change,
	}
}

var errUnreachable = errors.New("mint unreachable")

func (m *Mint) GetMeltQuoteState(quoteId string) (nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meltBehavior == MeltUnreachable {
		return nut05.PostMeltQuoteBolt11Response{}, errUnreachable
	}
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	return quote.response(nil), nil
}

// SetMeltQuoteState overrides the state of a melt quote, spending or
// releasing the inputs held by it.
func (m *Mint) SetMeltQuoteState(quoteId string, state nut05.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return cashu.QuoteNotExistErr
	}
	quote.State = state
	if state == nut05.Paid {
		quote.Preimage = FakePreimage
	}
	for _, Y := range quote.pendingYs {
		switch state {
		case nut05.Paid:
			m.proofStates[Y] = nut07.Spent
		case nut05.Unpaid:
			delete(m.proofStates, Y)
		}
	}
	if state != nut05.Pending {
		quote.pendingYs = nil
	}
	return nil
}

// MeltTokens returns errUnreachable when the configured behavior
// simulates a failure the wallet cannot interpret.
func (m *Mint) MeltTokens(quoteId string, proofs cashu.Proofs, outputs cashu.BlindedMessages) (
	nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	switch quote.State {
	case nut05.Paid:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuotePending
	}

	Ys, err := m.verifyProofs(proofs)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}
	fee := m.inputFee(proofs)
	if proofs.Amount() < quote.Amount+quote.FeeReserve+fee {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.InsufficientProofsAmount
	}

	switch m.meltBehavior {
	case MeltRejectUnpaid:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError("payment failed", cashu.MeltQuoteErrCode)
	case MeltHangPending:
		quote.State = nut05.Pending
		quote.pendingYs = Ys
		m.setStates(Ys, nut07.Pending)
		return nut05.PostMeltQuoteBolt11Response{}, errUnreachable
	case MeltUnreachable:
		return nut05.PostMeltQuoteBolt11Response{}, errUnreachable
	}

	preimage, err := m.lightning.SendPayment(quote.Request)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(err.Error(), cashu.MeltQuoteErrCode)
	}
	quote.State = nut05.Paid
	quote.Preimage = preimage
	m.setStates(Ys, nut07.Spent)

	// the fake backend pays no routing fee so the whole reserve is returned
	var change cashu.BlindedSignatures
	overpaid := proofs.Amount() - quote.Amount - fee
	if overpaid > 0 && len(outputs) > 0 {
		amounts := cashu.AmountSplit(overpaid)
		if len(amounts) > len(outputs) {
			amounts = amounts[:len(outputs)]
		}
		changeOutputs := make(cashu.BlindedMessages, len(amounts))
		for i, amount := range amounts {
			changeOutputs[i] = outputs[i]
			changeOutputs[i].Amount = amount
		}
		change, err = m.signBlindedMessages(changeOutputs)
		if err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, err
		}
	}

	if m.meltBehavior == MeltPayThenFail {
		return nut05.PostMeltQuoteBolt11Response{}, errUnreachable
	}
	return quote.response(change), nil
}

func (m *Mint) ProofStates(Ys []string) []nut07.ProofState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]nut07.ProofState, len(Ys))
	for i, Y := range Ys {
		state, ok := m.proofStates[Y]
		if !ok {
			state = nut07.Unspent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	return states
}

func (m *Mint) Restore(outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		restoredOutputs    cashu.BlindedMessages
		restoredSignatures cashu.BlindedSignatures
	)
	for _, output := range outputs {
		if signature, ok := m.issued[output.B_]; ok {
			output.Amount = signature.Amount
			restoredOutputs = append(restoredOutputs, output)
			restoredSignatures = append(restoredSignatures, signature)
		}
	}
	return restoredOutputs, restoredSignatures
}

func (m *Mint) setStates(Ys []string, state nut07.State) {
	for _, Y := range Ys {
		m.proofStates[Y] = state
	}
}

func (m *Mint) inputFee(proofs cashu.Proofs) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		if keyset, ok := m.keysets[proof.Id]; ok {
			feePpk += keyset.InputFeePpk
		}
	}
	return (uint64(feePpk) + 999) / 1000
}

// verifyProofs checks signatures and spent state and returns the Ys of the proofs.
func (m *Mint) verifyProofs(proofs cashu.Proofs) ([]string, error) {
	if len(proofs) == 0 {
		return nil, cashu.BuildCashuError("no proofs provided", cashu.InvalidProofErrCode)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofs
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Yhex, err := nut07.ProofY(proof)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		switch m.proofStates[Yhex] {
		case nut07.Spent:
			return nil, cashu.ProofAlreadyUsedErr
		case nut07.Pending:
			return nil, cashu.ProofPendingErr
		}
		Ys[i] = Yhex

		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		key, ok := keyset.Keys[proof.Amount]
		if !ok {
			return nil, cashu.InvalidProofErr
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, key.PrivateKey, C) {
			return nil, cashu.InvalidProofErr
		}
	}
	return Ys, nil
}

func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(blindedMessages))
	for i, msg := range blindedMessages {
		if _, ok := m.issued[msg.B_]; ok {
			return nil, cashu.BuildCashuError("blinded message already signed", cashu.BlindedMessageAlreadySignedErrCode)
		}
		keyset, ok := m.keysets[msg.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.BuildCashuError("keyset is inactive", cashu.InactiveKeysetErrCode)
		}
		key, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.BuildCashuError(fmt.Sprintf("invalid amount %v", msg.Amount), cashu.StandardErrCode)
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)

		signature := cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
		if !m.opts.DisableDLEQ {
			e, s, err := crypto.GenerateDLEQ(key.PrivateKey, B_, C_)
			if err != nil {
				return nil, err
			}
			if m.corruptDLEQ {
				e = s
			}
			signature.DLEQ = &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			}
		}
		signatures[i] = signature
	}

	for i, msg := range blindedMessages {
		m.issued[msg.B_] = signatures[i]
	}
	return signatures, nil
}

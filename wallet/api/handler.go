package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elnosh/nutpay/wallet"
	"github.com/elnosh/nutpay/wallet/ledger"
	"github.com/elnosh/nutpay/wallet/recovery"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	wallet *wallet.Wallet
	logger *slog.Logger
}

func NewHandler(w *wallet.Wallet, logger *slog.Logger) *Handler {
	return &Handler{wallet: w, logger: logger}
}

type paymentRequest struct {
	// Request is a NUT-18 encoded payment request. If set the other
	// fields are ignored.
	Request string   `json:"request,omitempty"`
	Amount  uint64   `json:"amount"`
	Unit    string   `json:"unit,omitempty"`
	Mints   []string `json:"mints,omitempty"`
	Origin  string   `json:"origin,omitempty"`
}

type sendRequest struct {
	Mint   string `json:"mint,omitempty"`
	Amount uint64 `json:"amount"`
}

type receiveRequest struct {
	Token string `json:"token"`
}

type mintQuoteRequest struct {
	Mint   string `json:"mint,omitempty"`
	Amount uint64 `json:"amount"`
}

type meltQuoteRequest struct {
	Mint    string `json:"mint,omitempty"`
	Invoice string `json:"invoice"`
}

type payInvoiceRequest struct {
	Mint       string `json:"mint,omitempty"`
	Invoice    string `json:"invoice"`
	QuoteId    string `json:"quote_id"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
}

type restoreRequest struct {
	Mint string `json:"mint,omitempty"`
}

type tokenStatusResponse struct {
	Id     string               `json:"id"`
	Status recovery.TokenStatus `json:"status"`
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.wallet.Balance(r.Context())
	if err != nil {
		h.internalError(w, "get balance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.wallet.Transactions(r.Context())
	if err != nil {
		h.internalError(w, "list transactions failed", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.wallet.Reconcile(r.Context())
	if err != nil {
		h.internalError(w, "reconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := h.wallet.Restore(r.Context(), req.Mint)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) CreatePaymentToken(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	request := wallet.PaymentRequest{Amount: req.Amount, Unit: req.Unit, Mints: req.Mints}
	if req.Request != "" {
		parsed, err := wallet.ParsePaymentRequest(req.Request)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		request = parsed
	}

	result := h.wallet.CreatePaymentToken(r.Context(), request, req.Origin)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) SendToken(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := h.wallet.GenerateSendToken(r.Context(), req.Mint, req.Amount)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) ReceiveToken(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	result := h.wallet.ReceiveToken(r.Context(), req.Token)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) PendingTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.wallet.PendingTokens(r.Context())
	if err != nil {
		h.internalError(w, "list pending tokens failed", err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) CheckPendingToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.wallet.CheckPendingToken(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(false, err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenStatusResponse{Id: id, Status: status})
}

func (h *Handler) ReclaimPendingToken(w http.ResponseWriter, r *http.Request) {
	result := h.wallet.ReclaimPendingToken(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) RequestMintQuote(w http.ResponseWriter, r *http.Request) {
	var req mintQuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := h.wallet.RequestMintQuote(r.Context(), req.Mint, req.Amount)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) MintQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.wallet.MintQuotes(r.Context())
	if err != nil {
		h.internalError(w, "list mint quotes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// MintQuoteProofs mints the proofs of a tracked quote.
func (h *Handler) MintQuoteProofs(w http.ResponseWriter, r *http.Request) {
	quoteId := chi.URLParam(r, "quoteId")
	quotes, err := h.wallet.MintQuotes(r.Context())
	if err != nil {
		h.internalError(w, "list mint quotes failed", err)
		return
	}
	for _, quote := range quotes {
		if quote.QuoteId == quoteId {
			result := h.wallet.MintProofsFromQuote(r.Context(), quote.Mint, quote.Amount, quote.QuoteId)
			writeJSON(w, statusFor(result.Success, result.Err), result)
			return
		}
	}
	writeError(w, http.StatusNotFound, "mint quote not found")
}

func (h *Handler) RequestMeltQuote(w http.ResponseWriter, r *http.Request) {
	var req meltQuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := h.wallet.RequestMeltQuote(r.Context(), req.Mint, req.Invoice)
	writeJSON(w, statusFor(result.Success, result.Err), result)
}

func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	var req payInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.QuoteId == "" {
		writeError(w, http.StatusBadRequest, "missing quote id")
		return
	}
	result := h.wallet.PayLightningInvoice(r.Context(), req.Mint, req.Invoice, req.QuoteId, req.Amount, req.FeeReserve)
	writeJSON(w, paymentStatus(result), result)
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var req meltQuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := h.wallet.Pay(r.Context(), req.Mint, req.Invoice)
	writeJSON(w, paymentStatus(result), result)
}

func paymentStatus(result wallet.PaymentResult) int {
	if result.Pending {
		return http.StatusAccepted
	}
	return statusFor(result.Success, result.Err)
}

// statusFor maps the outcome of a wallet operation to a response status.
// Errors not caused by the request are reported as a bad gateway since
// they come from the mint.
func statusFor(success bool, err error) int {
	if success {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, wallet.ErrUnitMismatch),
		errors.Is(err, wallet.ErrInvalidInvoice),
		errors.Is(err, wallet.ErrTokenNotPending),
		errors.Is(err, wallet.ErrCannotReclaimMelt):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrNoAvailableMint):
		return http.StatusPaymentRequired
	case errors.Is(err, wallet.ErrUntrustedMint):
		return http.StatusForbidden
	case errors.Is(err, recovery.ErrTokenNotFound),
		errors.Is(err, recovery.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrTokenSpent):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrProofsNotStored):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

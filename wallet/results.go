package wallet

// Results are what the wallet hands back to callers. Err holds the
// underlying error for callers in this process and Error its text for
// callers on the other side of the API.

type Balance struct {
	Total  uint64            `json:"total"`
	ByMint map[string]uint64 `json:"by_mint"`
	Unit   string            `json:"unit"`
}

type TokenResult struct {
	Success        bool   `json:"success"`
	Token          string `json:"token,omitempty"`
	Amount         uint64 `json:"amount"`
	Fee            uint64 `json:"fee"`
	Mint           string `json:"mint,omitempty"`
	TransactionId  string `json:"transaction_id,omitempty"`
	PendingTokenId string `json:"pending_token_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Err            error  `json:"-"`
}

type ReceiveResult struct {
	Success       bool   `json:"success"`
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	Mint          string `json:"mint,omitempty"`
	TransactionId string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
	Err           error  `json:"-"`
}

type PaymentResult struct {
	Success bool `json:"success"`
	// Pending is set when the outcome of the payment is not known yet.
	// The reserved proofs stay pending until reconciliation resolves it.
	Pending  bool   `json:"pending"`
	Preimage string `json:"preimage,omitempty"`
	// Amount is what the payment actually cost, fees included.
	Amount         uint64 `json:"amount"`
	Change         uint64 `json:"change"`
	Mint           string `json:"mint,omitempty"`
	TransactionId  string `json:"transaction_id,omitempty"`
	PendingTokenId string `json:"pending_token_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Err            error  `json:"-"`
}

type MintQuoteResult struct {
	Success bool   `json:"success"`
	QuoteId string `json:"quote_id,omitempty"`
	Invoice string `json:"invoice,omitempty"`
	Amount  uint64 `json:"amount"`
	Expiry  int64  `json:"expiry,omitempty"`
	Mint    string `json:"mint,omitempty"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

type MeltQuoteResult struct {
	Success    bool   `json:"success"`
	QuoteId    string `json:"quote_id,omitempty"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	Expiry     int64  `json:"expiry,omitempty"`
	Mint       string `json:"mint,omitempty"`
	Error      string `json:"error,omitempty"`
	Err        error  `json:"-"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r TokenResult) withErr(err error) TokenResult {
	r.Success, r.Err, r.Error = false, err, errString(err)
	return r
}

func (r ReceiveResult) withErr(err error) ReceiveResult {
	r.Success, r.Err, r.Error = false, err, errString(err)
	return r
}

func (r PaymentResult) withErr(err error) PaymentResult {
	r.Success, r.Err, r.Error = false, err, errString(err)
	return r
}

func (r MintQuoteResult) withErr(err error) MintQuoteResult {
	r.Success, r.Err, r.Error = false, err, errString(err)
	return r
}

func (r MeltQuoteResult) withErr(err error) MeltQuoteResult {
	r.Success, r.Err, r.Error = false, err, errString(err)
	return r
}

package testutils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

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
	"github.com/gorilla/mux"
)

// Server serves a fake mint over HTTP on a local port.
type Server struct {
	*httptest.Server
	mint *Mint

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}

	hooksMu sync.Mutex
	hooks   map[string]func()
}

func NewMintServer(opts MintOptions) (*Server, error) {
	mint, err := newMint(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		mint:      mint,
		wsClients: make(map[*wsClient]struct{}),
		hooks:     make(map[string]func()),
	}
	s.Server = httptest.NewServer(s.router())
	return s, nil
}

func (s *Server) Mint() *Mint {
	return s.mint
}

func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", s.handleActiveKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", s.handleKeysById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", s.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", s.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", s.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", s.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", s.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", s.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", s.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", s.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", s.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", s.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/v1/ws", s.serveWS)

	r.Use(setupHeaders, s.respondHooks)
	return r
}

// BeforeResponse runs fn once the mint handled a request to path and
// before the response is written. A nil fn removes the hook.
func (s *Server) BeforeResponse(path string, fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	if fn == nil {
		delete(s.hooks, path)
		return
	}
	s.hooks[path] = fn
}

func (s *Server) respondHooks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		s.hooksMu.Lock()
		hook := s.hooks[req.URL.Path]
		s.hooksMu.Unlock()
		if hook != nil {
			rw = &hookWriter{ResponseWriter: rw, hook: hook}
		}
		next.ServeHTTP(rw, req)
	})
}

type hookWriter struct {
	http.ResponseWriter
	once sync.Once
	hook func()
}

func (w *hookWriter) WriteHeader(code int) {
	w.once.Do(w.hook)
	w.ResponseWriter.WriteHeader(code)
}

func (w *hookWriter) Write(b []byte) (int, error) {
	w.once.Do(w.hook)
	return w.ResponseWriter.Write(b)
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

func writeResponse(rw http.ResponseWriter, v any) {
	response, err := json.Marshal(v)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}
	rw.Write(response)
}

// writeErr responds 400 with protocol errors and 500 with anything else.
func writeErr(rw http.ResponseWriter, err error) {
	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	switch {
	case errors.As(err, &cashuErrPtr):
		rw.WriteHeader(http.StatusBadRequest)
		writeResponse(rw, cashuErrPtr)
	case errors.As(err, &cashuErr):
		rw.WriteHeader(http.StatusBadRequest)
		writeResponse(rw, cashuErr)
	default:
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
	}
}

func decodeRequest(rw http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeErr(rw, cashu.BuildCashuError("invalid request body", cashu.StandardErrCode))
		return false
	}
	return true
}

func (s *Server) handleInfo(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("info")
	opts := s.mint.opts
	methods := []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}

	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "nutpay-testutils/0.1",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: methods},
			Nut05: nut06.NutSetting{Methods: methods},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: !opts.DisableBlankOutputs},
			Nut09: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: !opts.DisableDLEQ},
		},
	}
	if !opts.DisablePush {
		info.Nuts.Nut17 = &nut17.InfoSetting{
			Supported: []nut17.SupportedMethod{{
				Method:   cashu.BOLT11_METHOD,
				Unit:     cashu.Sat.String(),
				Commands: []string{nut17.Bolt11MintQuote.String()},
			}},
		}
	}
	writeResponse(rw, info)
}

func keysetKeys(keyset *crypto.MintKeyset) nut01.Keyset {
	return nut01.Keyset{
		Id:   keyset.Id,
		Unit: keyset.Unit,
		Keys: crypto.PublicKeysToHex(keyset.PublicKeys()),
	}
}

func (s *Server) handleActiveKeys(rw http.ResponseWriter, req *http.Request) {
	s.mint.mu.Lock()
	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{keysetKeys(s.mint.activeKeyset)}}
	s.mint.mu.Unlock()
	writeResponse(rw, response)
}

func (s *Server) handleKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	s.mint.mu.Lock()
	keyset, ok := s.mint.keysets[id]
	s.mint.mu.Unlock()
	if !ok {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeResponse(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{keysetKeys(keyset)}})
}

func (s *Server) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("keysets")
	s.mint.mu.Lock()
	keysets := make([]nut02.Keyset, 0, len(s.mint.keysets))
	for _, keyset := range s.mint.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	s.mint.mu.Unlock()
	sort.Slice(keysets, func(i, j int) bool { return keysets[i].Id < keysets[j].Id })
	writeResponse(rw, nut02.GetKeysetsResponse{Keysets: keysets})
}

func (s *Server) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if !decodeRequest(rw, req, &request) {
		return
	}
	quote, err := s.mint.RequestMintQuote(request.Amount, request.Unit)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, quote)
}

func (s *Server) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("mint_quote_state")
	quote, err := s.mint.GetMintQuoteState(mux.Vars(req)["quote_id"])
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, quote)
}

func (s *Server) handleMint(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("mint")
	var request nut04.PostMintBolt11Request
	if !decodeRequest(rw, req, &request) {
		return
	}
	signatures, err := s.mint.MintTokens(request.Quote, request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (s *Server) handleSwap(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("swap")
	var request nut03.PostSwapRequest
	if !decodeRequest(rw, req, &request) {
		return
	}
	signatures, err := s.mint.Swap(request.Inputs, request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (s *Server) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if !decodeRequest(rw, req, &request) {
		return
	}
	quote, err := s.mint.RequestMeltQuote(request.Request, request.Unit)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, quote)
}

func (s *Server) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("melt_quote_state")
	quote, err := s.mint.GetMeltQuoteState(mux.Vars(req)["quote_id"])
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, quote)
}

func (s *Server) handleMelt(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("melt")
	var request nut05.PostMeltBolt11Request
	if !decodeRequest(rw, req, &request) {
		return
	}
	response, err := s.mint.MeltTokens(request.Quote, request.Inputs, request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeResponse(rw, response)
}

func (s *Server) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("checkstate")
	var request nut07.PostCheckStateRequest
	if !decodeRequest(rw, req, &request) {
		return
	}
	writeResponse(rw, nut07.PostCheckStateResponse{States: s.mint.ProofStates(request.Ys)})
}

func (s *Server) handleRestore(rw http.ResponseWriter, req *http.Request) {
	s.mint.countRequest("restore")
	var request nut09.PostRestoreRequest
	if !decodeRequest(rw, req, &request) {
		return
	}
	outputs, signatures := s.mint.Restore(request.Outputs)
	writeResponse(rw, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

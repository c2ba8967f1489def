// Package api serves the wallet operations as a local JSON API.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/nutpay/wallet"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 2 * time.Minute
)

type Options struct {
	// Token, if set, must be sent as a bearer token with every request
	// except the health check.
	Token string
}

type Server struct {
	Router *chi.Mux

	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(w *wallet.Wallet, opts Options, logger *slog.Logger) *Server {
	handler := NewHandler(w, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(opts.Token))

		r.Get("/balance", handler.Balance)
		r.Get("/transactions", handler.Transactions)
		r.Post("/reconcile", handler.Reconcile)
		r.Post("/restore", handler.Restore)

		r.Post("/payments", handler.CreatePaymentToken)
		r.Post("/pay", handler.Pay)

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/send", handler.SendToken)
			r.Post("/receive", handler.ReceiveToken)
			r.Get("/pending", handler.PendingTokens)
			r.Post("/pending/{id}/check", handler.CheckPendingToken)
			r.Post("/pending/{id}/reclaim", handler.ReclaimPendingToken)
		})

		r.Route("/mint", func(r chi.Router) {
			r.Post("/quote", handler.RequestMintQuote)
			r.Get("/quotes", handler.MintQuotes)
			r.Post("/quotes/{quoteId}/mint", handler.MintQuoteProofs)
		})

		r.Post("/melt/quote", handler.RequestMeltQuote)
		r.Post("/melt", handler.PayInvoice)
	})

	return &Server{Router: r, logger: logger}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("serving wallet api", "addr", listener.Addr().String())
		errc <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

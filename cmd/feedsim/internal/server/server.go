// Package server exposes the simulated market over the wire formats the live
// feed consumes: a server-push prices stream and the holdings/history REST API.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/simulator"
)

const eventPrices = "prices"

type Options struct {
	Token      string // empty disables the bearer check
	ScopeParam string
	Keepalive  time.Duration // 0 disables keepalive comments
}

type Server struct {
	market *simulator.Market
	opts   Options
	logger *zap.Logger
}

func New(market *simulator.Market, opts Options, logger *zap.Logger) *Server {
	if opts.ScopeParam == "" {
		opts.ScopeParam = "accountId"
	}
	return &Server{market: market, opts: opts, logger: logger}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/prices", s.authorized(s.handleStream))
	mux.HandleFunc("GET /api/holdings", s.authorized(s.handleHoldings))
	mux.HandleFunc("GET /api/history/{subject}", s.authorized(s.handleHistory))
	mux.HandleFunc("GET /api/market/{subject}", s.authorized(s.handleMarket))
	return mux
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	scope := r.URL.Query().Get(s.opts.ScopeParam)
	logger := s.logger.With(zap.String("scope", scope), zap.String("remote", r.RemoteAddr))

	updates, unsubscribe := s.market.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var keepalive <-chan time.Time
	if s.opts.Keepalive > 0 {
		ticker := time.NewTicker(s.opts.Keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	logger.Info("Stream client connected")
	defer logger.Info("Stream client disconnected")

	if err := s.writeBatch(w, scope); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			if err := s.writeBatch(w, scope); err != nil {
				logger.Debug("Stream write failed", zap.Error(err))
				return
			}
		case <-keepalive:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func (s *Server) writeBatch(w http.ResponseWriter, scope string) error {
	payload, err := json.Marshal(s.market.Batch(scope))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventPrices, payload)
	return err
}

type holdingsResponse struct {
	TotalUSD float64     `json:"totalUSD"`
	Holdings interface{} `json:"holdings"`
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, total := s.market.Holdings(r.URL.Query().Get(s.opts.ScopeParam))
	s.writeJSON(w, holdingsResponse{TotalUSD: total, Holdings: holdings})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if !s.market.Known(subject) {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, s.market.History(r.URL.Query().Get(s.opts.ScopeParam), subject))
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if !s.market.Known(subject) {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, s.market.Prices(subject))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

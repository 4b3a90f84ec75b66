package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Vodeneev/betagent/internal/betting"
	"github.com/Vodeneev/betagent/internal/endpoints"
	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/session"
)

// Dispatcher submits one bet order across a cohort of accounts.
type Dispatcher interface {
	PlaceBets(ctx context.Context, order models.BetOrder, accountIDs []string) (*betting.DispatchResult, error)
}

// Run starts the operational HTTP server: liveness probes, a read-only view of
// sessions and mirror health, and the bet dispatch ingress.
func Run(ctx context.Context, addr string, registry *endpoints.Registry, sessions *session.Registry, dispatcher Dispatcher, readHeaderTimeout time.Duration) {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", handlePing)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/sessions", handleSessions(sessions))
	mux.HandleFunc("/endpoints", handleEndpoints(registry))
	mux.HandleFunc("/dispatch", handleDispatch(dispatcher))

	if readHeaderTimeout <= 0 {
		slog.Error("read_header_timeout must be specified in config")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("Ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Ops server error", "error", err)
		}
	}()
}

func AddrFor(port int) string {
	if port <= 0 {
		slog.Error("port must be greater than 0")
		os.Exit(1)
	}
	return fmt.Sprintf(":%d", port)
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong\n"))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type sessionView struct {
	AccountID      string    `json:"account_id"`
	State          string    `json:"state"`
	UID            string    `json:"uid,omitempty"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	HeartbeatAt    time.Time `json:"heartbeat_at"`
}

func handleSessions(sessions *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handles := sessions.All()
		views := make([]sessionView, 0, len(handles))
		for _, h := range handles {
			v := sessionView{
				AccountID:      h.AccountID,
				State:          string(h.State()),
				LastVerifiedAt: h.LastVerifiedAt(),
				HeartbeatAt:    h.HeartbeatAt(),
			}
			if h.Identity != nil {
				v.UID = h.Identity.UID
			}
			views = append(views, v)
		}
		writeJSON(w, map[string]any{"count": len(views), "sessions": views})
	}
}

func handleEndpoints(registry *endpoints.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"current": registry.Current(),
			"sites":   registry.Snapshot(),
		})
	}
}

type dispatchRequest struct {
	MatchID    string   `json:"match_id"`
	Market     string   `json:"market"`
	Selection  string   `json:"selection"`
	Stake      string   `json:"stake"`
	QuotedOdds string   `json:"quoted_odds"`
	MinOdds    string   `json:"min_odds,omitempty"`
	AccountIDs []string `json:"account_ids"`
}

func handleDispatch(dispatcher Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		if req.MatchID == "" || len(req.AccountIDs) == 0 {
			http.Error(w, "match_id and account_ids are required", http.StatusBadRequest)
			return
		}

		order := models.BetOrder{MatchID: req.MatchID, Market: req.Market, Selection: req.Selection}
		var err error
		if order.Stake, err = decimal.NewFromString(req.Stake); err != nil {
			http.Error(w, fmt.Sprintf("bad stake: %v", err), http.StatusBadRequest)
			return
		}
		if order.QuotedOdds, err = decimal.NewFromString(req.QuotedOdds); err != nil {
			http.Error(w, fmt.Sprintf("bad quoted_odds: %v", err), http.StatusBadRequest)
			return
		}
		if req.MinOdds != "" {
			if order.MinOdds, err = decimal.NewFromString(req.MinOdds); err != nil {
				http.Error(w, fmt.Sprintf("bad min_odds: %v", err), http.StatusBadRequest)
				return
			}
		}

		res, err := dispatcher.PlaceBets(r.Context(), order, req.AccountIDs)
		if err != nil {
			http.Error(w, fmt.Sprintf("dispatch failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Ops response encode failed", "error", err)
	}
}

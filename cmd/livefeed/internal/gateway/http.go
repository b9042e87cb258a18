package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/registry"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/repository"
)

// StatsReporter exposes the health of live sessions.
type StatsReporter interface {
	Stats() []registry.SessionStats
}

type health struct {
	Status   string                  `json:"status"`
	Sessions []registry.SessionStats `json:"sessions"`
}

// NewMux wires the websocket endpoint and the read-only HTTP endpoints.
func NewMux(router Router, stats StatsReporter, store repository.SnapshotStore, t Timeouts, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Debug("Upgrade failed", zap.Error(err))
			return
		}
		NewClient(conn, router, t, logger).Start()
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, health{Status: "ok", Sessions: stats.Stats()}, logger)
	})

	// GET /snapshots?scope=a&scope=b returns the last snapshot stored for each scope
	mux.HandleFunc("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		scopes := r.URL.Query()["scope"]
		if len(scopes) == 0 {
			http.Error(w, "missing scope", http.StatusBadRequest)
			return
		}

		snaps, err := store.GetSnapshots(r.Context(), scopes)
		if err != nil {
			logger.Error("Failed to read snapshots", zap.Error(err))
			http.Error(w, "snapshots unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("[" + strings.Join(snaps, ",") + "]"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}

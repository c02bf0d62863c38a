// Package server provides the companion web dashboard API: connection
// status, pending-write count, cached collections, and a manual retry
// control. It consumes sync signals; it never participates in queue or
// cache logic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/bakeline/batch-sync/internal/connmon"
	apperrors "github.com/bakeline/batch-sync/internal/errors"
	"github.com/bakeline/batch-sync/internal/gateway"
)

const (
	// statusKeepalive is how often the websocket stream re-sends the
	// current status even without a change, doubling as a liveness signal
	// for the dashboard.
	statusKeepalive = 30 * time.Second

	// wsWriteTimeout bounds a single websocket frame write.
	wsWriteTimeout = 5 * time.Second
)

// MuxConfig holds dependencies for building the dashboard mux.
type MuxConfig struct {
	Monitor *connmon.Monitor
	Gateway *gateway.Gateway
	Logger  *slog.Logger
}

// NewMux builds the dashboard HTTP mux.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", handleStatus(cfg.Monitor))
	mux.HandleFunc("POST /api/retry", handleRetry(cfg.Monitor))
	mux.HandleFunc("GET /api/workflows", handleWorkflows(cfg.Gateway))
	mux.HandleFunc("GET /api/batches", handleBatches(cfg.Gateway))
	mux.HandleFunc("GET /ws/status", handleStatusStream(cfg.Monitor, cfg.Logger))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleStatus(monitor *connmon.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Status())
	}
}

func handleRetry(monitor *connmon.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := monitor.ManualRetry(); err != nil {
			if errors.Is(err, apperrors.ErrRetryCooldown) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "retry attempted too soon",
				})

				return
			}

			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

			return
		}

		writeJSON(w, http.StatusAccepted, monitor.Status())
	}
}

func handleWorkflows(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != "" {
			writeJSON(w, http.StatusOK, gw.SearchWorkflows(q))

			return
		}

		writeJSON(w, http.StatusOK, gw.Workflows())
	}
}

func handleBatches(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.Batches())
	}
}

// handleStatusStream upgrades to a websocket and pushes status
// snapshots: one immediately, one on every change, and a keepalive echo
// on a fixed tick.
func handleStatusStream(monitor *connmon.Monitor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("websocket accept failed", slog.String("error", err.Error()))

			return
		}

		defer conn.Close(websocket.StatusNormalClosure, "")

		updates, cancel := monitor.Subscribe()
		defer cancel()

		ctx := r.Context()

		if err := writeStatus(ctx, conn, monitor.Status()); err != nil {
			return
		}

		ticker := time.NewTicker(statusKeepalive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case status := <-updates:
				if err := writeStatus(ctx, conn, status); err != nil {
					return
				}

			case <-ticker.C:
				if err := writeStatus(ctx, conn, monitor.Status()); err != nil {
					return
				}
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, status connmon.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}

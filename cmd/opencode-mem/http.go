package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-mem/opencode-mem/discovery"
	"github.com/opencode-mem/opencode-mem/errs"
)

// serveViewerAndIngest runs the local-only HTTP surface: raw-event ingest
// (spec.md §6's POST /api/raw-events) and the viewer status route (GET
// /api/sync/status) a future browser viewer would read, per SPEC_FULL's
// supplemented status-surface feature. svc may be nil when sync is
// disabled, in which case status reports zero peers.
func serveViewerAndIngest(ctx context.Context, a *app, svc *discovery.Service) error {
	mux := http.NewServeMux()
	mux.Handle("/api/raw-events", a.spool.Handler(a.cfg.MaxRawEventsBodyBytes))
	mux.HandleFunc("/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "" {
			http.Error(w, "cross-origin requests are not supported", http.StatusForbidden)
			return
		}
		handleSyncStatus(w, r, a, svc)
	})

	addr := fmt.Sprintf("%s:%d", orDefault(a.cfg.ViewerHost, "127.0.0.1"), a.cfg.ViewerPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func handleSyncStatus(w http.ResponseWriter, r *http.Request, a *app, svc *discovery.Service) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var status discovery.DaemonStatus
	if svc != nil {
		var err error
		status, err = svc.Status(r.Context(), a.st)
		if err != nil {
			w.WriteHeader(errs.HTTPStatus(err))
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

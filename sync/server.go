package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

// StatusResponse is the GET /v1/status body (spec.md §6).
type StatusResponse struct {
	DeviceID        string `json:"device_id"`
	ProtocolVersion string `json:"protocol_version"`
	Fingerprint     string `json:"fingerprint"`
}

// WireOp is the on-wire shape of a replication.Op (spec.md §6).
type WireOp struct {
	OpID       string          `json:"op_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OpType     string          `json:"op_type"`
	Payload    json.RawMessage `json:"payload"`
	Clock      WireClock       `json:"clock"`
	DeviceID   string          `json:"device_id"`
	CreatedAt  string          `json:"created_at"`
}

type WireClock struct {
	Rev       int64  `json:"rev"`
	UpdatedAt string `json:"updated_at"`
	DeviceID  string `json:"device_id"`
}

func toWireOp(o replication.Op) WireOp {
	return WireOp{
		OpID: o.OpID, EntityType: o.EntityType, EntityID: o.EntityID, OpType: string(o.OpType),
		Payload: json.RawMessage(o.PayloadJSON),
		Clock: WireClock{
			Rev: o.Clock.Rev, UpdatedAt: o.Clock.UpdatedAt.UTC().Format(time.RFC3339), DeviceID: o.Clock.DeviceID,
		},
		DeviceID: o.DeviceID, CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func fromWireOp(w WireOp) (replication.Op, error) {
	updatedAt, err := store.ParseTime(w.Clock.UpdatedAt)
	if err != nil {
		return replication.Op{}, fmt.Errorf("clock.updated_at: %w", err)
	}
	createdAt, err := store.ParseTime(w.CreatedAt)
	if err != nil {
		createdAt = store.NowUTC()
	}
	return replication.Op{
		OpID: w.OpID, EntityType: w.EntityType, EntityID: w.EntityID, OpType: replication.OpType(w.OpType),
		PayloadJSON: string(w.Payload),
		Clock:       replication.Clock{DeviceID: w.Clock.DeviceID, UpdatedAt: updatedAt, Rev: w.Clock.Rev},
		DeviceID:    w.DeviceID, CreatedAt: createdAt,
	}, nil
}

// OpsPage is the GET /v1/ops response body.
type OpsPage struct {
	Ops        []WireOp `json:"ops"`
	NextCursor string   `json:"next_cursor"`
}

// OpsBatch is the POST /v1/ops request body.
type OpsBatch struct {
	Ops []WireOp `json:"ops"`
}

// ApplyResponse is the POST /v1/ops response body.
type ApplyResponse struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Server serves the C7 HTTP(S) endpoints for this device.
type Server struct {
	st           *store.Store
	repl         *replication.Log
	identity     *Identity
	logger       log.Logger
	maxBodyBytes int64
	timeWindow   time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires a Server over st/repl/identity, serving at most
// maxBodyBytes per request body (HTTP 413 above that), per spec.md §4.7.
func NewServer(st *store.Store, repl *replication.Log, identity *Identity, logger log.Logger, maxBodyBytes int64) *Server {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 4 << 20
	}
	return &Server{st: st, repl: repl, identity: identity, logger: logger, maxBodyBytes: maxBodyBytes, timeWindow: DefaultTimeWindow}
}

// Handler builds the routed, auth-wrapped, OTel-instrumented http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/ops", s.handleOps)
	return otelhttp.NewHandler(s.withAuth(mux), "sync")
}

// Serve starts listening on addr (e.g. "127.0.0.1:7777") and blocks until
// the context is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.New("sync_serve", errs.ErrFatalStorage, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener's bound address, valid only after Serve has
// started listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		DeviceID: s.identity.DeviceID, ProtocolVersion: "1", Fingerprint: s.identity.Fingerprint,
	})
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleOpsGet(w, r)
	case http.MethodPost:
		s.handleOpsPost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOpsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := replication.ParseCursor(q.Get("since"))
	if err != nil {
		http.Error(w, "bad cursor", http.StatusBadRequest)
		return
	}
	limit := 200
	if v := q.Get("limit"); v != "" {
		if n, err := parseLimit(v); err == nil && n > 0 {
			limit = n
		}
	}
	ops, next, err := s.repl.LoadOpsSince(r.Context(), cursor, limit, "")
	if err != nil {
		writeError(w, err)
		return
	}
	wire := make([]WireOp, len(ops))
	for i, o := range ops {
		wire[i] = toWireOp(o)
	}
	writeJSON(w, http.StatusOK, OpsPage{Ops: wire, NextCursor: next.String()})
}

func (s *Server) handleOpsPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	var batch OpsBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ops := make([]replication.Op, 0, len(batch.Ops))
	malformed := 0
	for _, wireOp := range batch.Ops {
		op, err := fromWireOp(wireOp)
		if err != nil {
			malformed++
			continue
		}
		ops = append(ops, op)
	}
	sourceDeviceID := r.Header.Get("X-Opencode-Device")
	filter := replication.ProjectFilter{}
	res, err := s.repl.ApplyOps(r.Context(), ops, sourceDeviceID, store.NowUTC(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	res.Skipped += malformed
	writeJSON(w, http.StatusOK, ApplyResponse{Inserted: res.Inserted, Updated: res.Updated, Skipped: res.Skipped})
}

func parseLimit(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	http.Error(w, err.Error(), status)
}

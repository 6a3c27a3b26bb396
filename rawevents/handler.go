package rawevents

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// wireEvent is one event as submitted to POST /api/raw-events (spec.md §6).
type wireEvent struct {
	OpencodeSessionID string          `json:"opencode_session_id"`
	EventID           string          `json:"event_id,omitempty"`
	EventType         string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	TSWallMs          int64           `json:"ts_wall_ms,omitempty"`
	TSMonoMs          *int64          `json:"ts_mono_ms,omitempty"`
}

// batchRequest is the `{events:[…], cwd?, project?, started_at?}` shape.
// A lone event object decodes into this with Events left empty, handled by
// decodeIngestBody falling back to the single-event form.
type batchRequest struct {
	Events    []wireEvent `json:"events"`
	CWD       *string     `json:"cwd,omitempty"`
	Project   *string     `json:"project,omitempty"`
	StartedAt *string     `json:"started_at,omitempty"`
}

// ingestErrorBody is the 4xx/413 body shape spec.md's oversized-batch test
// asserts on: {"error": "...", "max_bytes": N} for 413, {"error": "..."}
// otherwise.
type ingestErrorBody struct {
	Error    string `json:"error"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// ingestResponse reports per-session outcomes for a batch POST.
type ingestResponse struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Handler builds the HTTP handler for POST /api/raw-events, enforcing
// maxBodyBytes (HTTP 413 above it, per spec.md §6) before any JSON
// decoding happens.
func (sp *Spool) Handler(maxBodyBytes int64) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sp.handleIngest(w, r, maxBodyBytes)
	})
}

func (sp *Spool) handleIngest(w http.ResponseWriter, r *http.Request, maxBodyBytes int64) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeIngestError(w, http.StatusBadRequest, "read error", 0)
		return
	}
	if int64(len(body)) > maxBodyBytes {
		writeIngestError(w, http.StatusRequestEntityTooLarge, "payload too large", maxBodyBytes)
		return
	}

	events, meta, err := decodeIngestBody(body)
	if err != nil {
		writeIngestError(w, http.StatusBadRequest, "bad json", 0)
		return
	}
	if len(events) == 0 {
		writeIngestError(w, http.StatusBadRequest, "no events", 0)
		return
	}

	ctx := r.Context()
	grouped := make(map[string][]wireEvent)
	order := make([]string, 0, 4)
	for _, e := range events {
		if _, ok := grouped[e.OpencodeSessionID]; !ok {
			order = append(order, e.OpencodeSessionID)
		}
		grouped[e.OpencodeSessionID] = append(grouped[e.OpencodeSessionID], e)
	}

	var inserted, skipped int
	for _, sessionID := range order {
		if err := validateSessionID("ingest_raw_events", sessionID); err != nil {
			writeError(w, err)
			return
		}
		inputs := prepareEventInputs(grouped[sessionID])
		i, s, err := sp.RecordRawEventsBatch(ctx, sessionID, inputs)
		if err != nil {
			writeError(w, err)
			return
		}
		inserted += i
		skipped += s

		if meta != nil && (meta.CWD != nil || meta.Project != nil || meta.StartedAt != nil) {
			var startedAt *time.Time
			if meta.StartedAt != nil {
				if t, err := store.ParseTime(*meta.StartedAt); err == nil {
					startedAt = &t
				}
			}
			if err := sp.UpdateRawEventSessionMeta(ctx, sessionID, meta.CWD, meta.Project, startedAt, nil); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	writeIngestJSON(w, http.StatusOK, ingestResponse{Inserted: inserted, Skipped: skipped})
}

// decodeIngestBody accepts either a single event object or a batch
// envelope and always returns the event list plus any session metadata
// carried alongside it.
func decodeIngestBody(body []byte) ([]wireEvent, *batchRequest, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, nil, err
	}
	if _, ok := probe["events"]; ok {
		var batch batchRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, nil, err
		}
		return batch.Events, &batch, nil
	}
	var single wireEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, nil, err
	}
	return []wireEvent{single}, nil, nil
}

// prepareEventInputs synthesises missing event ids (legacy producers) and
// converts the wire shape to EventInput, in submission order so a
// missing-id fallback based on seq position is stable.
func prepareEventInputs(events []wireEvent) []EventInput {
	out := make([]EventInput, 0, len(events))
	for i, e := range events {
		eventID := e.EventID
		payload := e.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		if eventID == "" {
			eventID = SynthesizeEventID(int64(i), payload)
		}
		out = append(out, EventInput{
			EventID:   eventID,
			EventType: e.EventType,
			Payload:   payload,
			TSWallMs:  e.TSWallMs,
			TSMonoMs:  e.TSMonoMs,
		})
	}
	return out
}

func writeIngestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeIngestError(w http.ResponseWriter, status int, msg string, maxBytes int64) {
	writeIngestJSON(w, status, ingestErrorBody{Error: msg, MaxBytes: maxBytes})
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	writeIngestJSON(w, status, ingestErrorBody{Error: err.Error()})
}

package rawevents

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerSingleEvent(t *testing.T) {
	sp := openTestSpool(t)
	handler := sp.Handler(1 << 20)

	body := `{"opencode_session_id":"sess-1","event_id":"e1","event_type":"user_prompt","payload":{"prompt_text":"hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/raw-events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Inserted)

	events, err := sp.RawEventsSince(req.Context(), "sess-1", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestHandlerBatchWithSessionMeta(t *testing.T) {
	sp := openTestSpool(t)
	handler := sp.Handler(1 << 20)

	body := `{
		"cwd": "/Users/x/proj",
		"project": "proj",
		"events": [
			{"opencode_session_id":"sess-2","event_id":"e1","event_type":"user_prompt","payload":{}},
			{"opencode_session_id":"sess-2","event_id":"e2","event_type":"tool.execute.after","payload":{"tool":"bash"}}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/raw-events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Inserted)

	meta, err := sp.SessionMeta(req.Context(), "sess-2")
	require.NoError(t, err)
	require.Equal(t, "/Users/x/proj", meta.CWD)
}

func TestHandlerRejectsMsgSessionID(t *testing.T) {
	sp := openTestSpool(t)
	handler := sp.Handler(1 << 20)

	body := `{"opencode_session_id":"msg_123","event_type":"user_prompt"}`
	req := httptest.NewRequest(http.MethodPost, "/api/raw-events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerOversizedBodyReturns413(t *testing.T) {
	sp := openTestSpool(t)
	handler := sp.Handler(64)

	body := bytes.Repeat([]byte("a"), 128)
	req := httptest.NewRequest(http.MethodPost, "/api/raw-events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var errBody ingestErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, int64(64), errBody.MaxBytes)
}

func TestHandlerLegacyEventMissingIDIsSynthesized(t *testing.T) {
	sp := openTestSpool(t)
	handler := sp.Handler(1 << 20)

	body := `{"opencode_session_id":"sess-3","event_type":"user_prompt","payload":{"a":1}}`
	req := httptest.NewRequest(http.MethodPost, "/api/raw-events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	events, err := sp.RawEventsSince(req.Context(), "sess-3", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Contains(t, events[0].EventID, "legacy-seq-0-")
}

package rawevents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestRecordRawEventAssignsMonotoneSeq(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	inserted, err := sp.RecordRawEvent(ctx, "sess-1", "ev-1", "tool.start", json.RawMessage(`{"a":1}`), 1000, nil)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = sp.RecordRawEvent(ctx, "sess-1", "ev-2", "tool.end", json.RawMessage(`{"a":2}`), 1001, nil)
	require.NoError(t, err)
	require.True(t, inserted)

	events, err := sp.RawEventsSince(ctx, "sess-1", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(0), events[0].EventSeq)
	require.Equal(t, int64(1), events[1].EventSeq)
}

func TestRecordRawEventIsIdempotent(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	inserted, err := sp.RecordRawEvent(ctx, "sess-1", "ev-1", "tool.start", json.RawMessage(`{}`), 1000, nil)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = sp.RecordRawEvent(ctx, "sess-1", "ev-1", "tool.start", json.RawMessage(`{}`), 1000, nil)
	require.NoError(t, err)
	require.False(t, inserted)

	events, err := sp.RawEventsSince(ctx, "sess-1", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRecordRawEventRejectsMessageID(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	_, err := sp.RecordRawEvent(ctx, "msg_abc123", "ev-1", "tool.start", json.RawMessage(`{}`), 1000, nil)
	require.Error(t, err)
	require.True(t, errs.IsInvariantViolation(err))
}

func TestRecordRawEventsBatchAllocatesContiguousSeq(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	inserted, skipped, err := sp.RecordRawEventsBatch(ctx, "sess-1", []EventInput{
		{EventID: "a", EventType: "t", Payload: json.RawMessage(`{}`), TSWallMs: 1},
		{EventID: "b", EventType: "t", Payload: json.RawMessage(`{}`), TSWallMs: 2},
		{EventID: "c", EventType: "t", Payload: json.RawMessage(`{}`), TSWallMs: 3},
	})
	require.NoError(t, err)
	require.Equal(t, 3, inserted)
	require.Equal(t, 0, skipped)

	events, err := sp.RawEventsSince(ctx, "sess-1", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(0), events[0].EventSeq)
	require.Equal(t, int64(1), events[1].EventSeq)
	require.Equal(t, int64(2), events[2].EventSeq)

	inserted, skipped, err = sp.RecordRawEventsBatch(ctx, "sess-1", []EventInput{
		{EventID: "b", EventType: "t", Payload: json.RawMessage(`{}`), TSWallMs: 2},
		{EventID: "d", EventType: "t", Payload: json.RawMessage(`{}`), TSWallMs: 4},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 1, skipped)

	events, err = sp.RawEventsSince(ctx, "sess-1", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, int64(3), events[3].EventSeq)
}

func TestRawEventBacklogReflectsUnflushedEvents(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	_, err := sp.RecordRawEvent(ctx, "sess-1", "ev-1", "t", json.RawMessage(`{}`), 1000, nil)
	require.NoError(t, err)

	entries, err := sp.RawEventBacklog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "sess-1", entries[0].OpencodeSessionID)
	require.Equal(t, int64(1), entries[0].Pending)

	sessions, pending, err := sp.RawEventBacklogTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sessions)
	require.Equal(t, int64(1), pending)
}

func TestSynthesizeEventIDIsDeterministic(t *testing.T) {
	payload := []byte(`{"x":1}`)
	a := SynthesizeEventID(5, payload)
	b := SynthesizeEventID(5, payload)
	require.Equal(t, a, b)
	require.Contains(t, a, "legacy-seq-5-")
}

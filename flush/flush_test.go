package flush

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/rawevents"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

func openTestPipeline(t *testing.T) (*Pipeline, *rawevents.Spool) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	spool := rawevents.New(st, nil)
	repl := replication.New(st, nil)
	mem := memory.New(st, repl, nil)
	return New(st, spool, mem, NullExtractor{}, nil), spool
}

func TestFlushRawEventsHappyPath(t *testing.T) {
	p, spool := openTestPipeline(t)
	ctx := context.Background()

	_, err := spool.RecordRawEvent(ctx, "s1", "e1", "user_prompt", json.RawMessage(`{"prompt_text":"Fix the leak"}`), 1000, nil)
	require.NoError(t, err)
	_, err = spool.RecordRawEvent(ctx, "s1", "e2", "tool.execute.after", json.RawMessage(`{"tool":"bash"}`), 1001, nil)
	require.NoError(t, err)

	res, err := p.FlushRawEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Flushed)
	require.Equal(t, int64(0), res.StartSeq)
	require.Equal(t, int64(1), res.EndSeq)

	meta, err := spool.SessionMeta(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.LastFlushedEventSeq)
}

func TestFlushRawEventsSecondCallIsNoop(t *testing.T) {
	p, spool := openTestPipeline(t)
	ctx := context.Background()

	_, err := spool.RecordRawEvent(ctx, "s1", "e1", "user_prompt", json.RawMessage(`{"prompt_text":"hi"}`), 1000, nil)
	require.NoError(t, err)

	res, err := p.FlushRawEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Flushed)

	res, err = p.FlushRawEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, 0, res.Flushed)
}

func TestMarkStuckBatchesAsError(t *testing.T) {
	p, spool := openTestPipeline(t)
	ctx := context.Background()

	_, err := spool.RecordRawEvent(ctx, "s1", "e1", "user_prompt", json.RawMessage(`{}`), 1000, nil)
	require.NoError(t, err)
	batchID, _, err := p.getOrCreateFlushBatch(ctx, "s1", 1, 1)
	require.NoError(t, err)
	require.NotZero(t, batchID)

	n, err := p.MarkStuckBatchesAsError(ctx, store.NowUTC().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

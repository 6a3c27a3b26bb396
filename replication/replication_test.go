package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/store"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestRecordOpAndLoadOpsSince(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.RecordOp(ctx, nil, "memory_item", "legacy:local:memory_item:1", OpUpsert, `{"project":"foo"}`, time.Now(), 1, "local"))
	require.NoError(t, l.RecordOp(ctx, nil, "memory_item", "legacy:local:memory_item:2", OpUpsert, `{"project":"bar"}`, time.Now(), 1, "local"))

	ops, next, err := l.LoadOpsSince(ctx, Cursor{}, 10, "")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, Cursor{}, next) // page not full, no next cursor

	ops, _, err = l.LoadOpsSince(ctx, Cursor{}, 1, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: "2026-01-01T00:00:00Z", OpID: "abc"}
	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)

	empty, err := ParseCursor("")
	require.NoError(t, err)
	require.Equal(t, Cursor{}, empty)
}

func TestProjectFilterExcludeWins(t *testing.T) {
	f := ProjectFilter{Include: []string{"foo"}, Exclude: []string{"foo"}}
	require.False(t, f.Allowed("foo"))
}

func TestProjectFilterIncludeRestricts(t *testing.T) {
	f := ProjectFilter{Include: []string{"foo"}}
	require.True(t, f.Allowed("foo"))
	require.False(t, f.Allowed("bar"))
}

func TestProjectFilterEmptyProjectNeverStalls(t *testing.T) {
	f := ProjectFilter{Include: []string{"foo"}}
	require.True(t, f.Allowed(""))
}

func TestResolveFilterPerPeerReplacesGlobal(t *testing.T) {
	global := ProjectFilter{Include: []string{"a"}, Exclude: []string{"b"}}
	peerInclude := []string{"c"}
	resolved := ResolveFilter(global, &peerInclude, nil)
	require.Equal(t, []string{"c"}, resolved.Include)
	require.Empty(t, resolved.Exclude)
}

func TestApplyOpsSkipsDuplicateOpID(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	ops := []Op{{
		OpID: "op-1", EntityType: "memory_item", EntityID: "legacy:peer:memory_item:1",
		OpType: OpUpsert, PayloadJSON: `{"kind":"note","title":"t","body":"b","opencode_session_id":"s1","project":"p"}`,
		Clock: Clock{DeviceID: "peer-1", UpdatedAt: time.Now(), Rev: 1}, DeviceID: "peer-1",
	}}
	res, err := l.ApplyOps(ctx, ops, "peer-1", time.Now(), ProjectFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	res, err = l.ApplyOps(ctx, ops, "peer-1", time.Now(), ProjectFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
}

func TestApplyOpsRejectsDeviceIDMismatch(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	ops := []Op{{
		OpID: "op-2", EntityType: "memory_item", EntityID: "legacy:peer:memory_item:2",
		OpType: OpUpsert, PayloadJSON: `{}`,
		Clock: Clock{DeviceID: "someone-else", UpdatedAt: time.Now(), Rev: 1}, DeviceID: "peer-1",
	}}
	res, err := l.ApplyOps(ctx, ops, "peer-1", time.Now(), ProjectFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

func openTestFixtures(t *testing.T) (*store.Store, *replication.Log, int64) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	res, err := st.DB().Exec(`INSERT INTO sessions (started_at, project) VALUES (?, ?)`, store.FormatTime(store.NowUTC()), "proj-a")
	require.NoError(t, err)
	sessionID, err := res.LastInsertId()
	require.NoError(t, err)

	return st, replication.New(st, nil), sessionID
}

func TestRememberInsertsAndEmitsReplicationOp(t *testing.T) {
	st, repl, sessionID := openTestFixtures(t)
	ms := New(st, repl, nil)

	item, err := ms.Remember(context.Background(), RememberInput{
		SessionID: sessionID, Kind: KindObservation, Title: "Fixed the leak",
		BodyText: "Patched internal/pool.go to close idle conns.",
		FilesModified: []string{"internal/pool/pool.go"},
	})
	require.NoError(t, err)
	require.NotZero(t, item.ID)
	require.Contains(t, item.TagsText, "observation")
	require.Contains(t, item.TagsText, "pool")

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM replication_ops WHERE entity_id = ?`, item.ImportKey).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRememberRequiresSessionID(t *testing.T) {
	st, repl, _ := openTestFixtures(t)
	ms := New(st, repl, nil)

	_, err := ms.Remember(context.Background(), RememberInput{Kind: KindNote, Title: "x"})
	require.Error(t, err)
}

func TestAddSessionSummary(t *testing.T) {
	st, repl, sessionID := openTestFixtures(t)
	ms := New(st, repl, nil)

	id, err := ms.AddSessionSummary(context.Background(), sessionID, "Did some work.", "")
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestNormalizeTagsDedupsAndCaps(t *testing.T) {
	tags := NormalizeTags([]string{"Hello World!", "hello-world", "the", "", "A_B  C"})
	require.Equal(t, []string{"hello-world", "a_b-c"}, tags)
}

func TestDeriveTagsFromFilePaths(t *testing.T) {
	raw := DeriveTags(KindBugfix, "fix pool", nil, nil, []string{"internal/pool/pool.go"})
	require.Contains(t, raw, "pool.go")
	require.Contains(t, raw, "pool")
	require.Contains(t, raw, "internal")
}

func TestIsLowSignalObservation(t *testing.T) {
	patterns := DefaultLowSignalPatterns()
	require.True(t, IsLowSignalObservation("$ ", patterns))
	require.True(t, IsLowSignalObservation("ls", patterns))
	require.True(t, IsLowSignalObservation("pwd", patterns))
	require.False(t, IsLowSignalObservation("Refactored the pool to use a free list", patterns))
}

func TestIsLowSignalObservationEmptyPatternsIsNoop(t *testing.T) {
	require.False(t, IsLowSignalObservation("ls", nil))
}

package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/embedding"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

func openTestFixtures(t *testing.T) (*store.Store, *memory.Store, int64) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repl := replication.New(st, log.NewNullLogger())
	mem := memory.New(st, repl, log.NewNullLogger())

	now := store.FormatTime(store.NowUTC())
	res, err := st.DB().Exec(`INSERT INTO sessions (started_at, cwd, project) VALUES (?, ?, ?)`, now, "/Users/x/proj", "/Users/x/proj")
	require.NoError(t, err)
	sessionID, err := res.LastInsertId()
	require.NoError(t, err)
	return st, mem, sessionID
}

func TestStatsReportsCounts(t *testing.T) {
	st, mem, sessionID := openTestFixtures(t)
	_, err := mem.RememberObservation(context.Background(), sessionID, "did a thing", "body text here", nil, nil)
	require.NoError(t, err)

	report, err := Stats(context.Background(), st)
	require.NoError(t, err)
	require.GreaterOrEqual(t, report.Database.Counts["memory_items"], int64(1))
	require.GreaterOrEqual(t, report.Database.Counts["sessions"], int64(1))
}

func TestReportJSONIncludesGeneratedAt(t *testing.T) {
	st, _, _ := openTestFixtures(t)
	report, err := Stats(context.Background(), st)
	require.NoError(t, err)

	data, err := report.JSON()
	require.NoError(t, err)
	require.Contains(t, string(data), "generated_at")
}

func TestDeactivateLowSignalMemories(t *testing.T) {
	st, mem, sessionID := openTestFixtures(t)
	_, err := mem.RememberObservation(context.Background(), sessionID, "", "$", nil, nil)
	require.NoError(t, err)
	_, err = mem.RememberObservation(context.Background(), sessionID, "", "fixed the parser bug", nil, nil)
	require.NoError(t, err)

	result, err := DeactivateLowSignalMemories(context.Background(), st, []string{"observation"}, memory.DefaultLowSignalPatterns(), 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Checked)
	require.Equal(t, int64(1), result.Deactivated)
}

func TestDeactivateLowSignalMemoriesEmptyPatternsNoop(t *testing.T) {
	st, mem, sessionID := openTestFixtures(t)
	_, err := mem.RememberObservation(context.Background(), sessionID, "", "$", nil, nil)
	require.NoError(t, err)

	result, err := DeactivateLowSignalMemories(context.Background(), st, []string{"observation"}, nil, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), result.Deactivated)
}

func TestNormalizeProjectsRewritesPathLike(t *testing.T) {
	st, _, _ := openTestFixtures(t)
	report, err := NormalizeProjects(context.Background(), st, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.SessionsToUpdate)
	require.Equal(t, "proj", report.RewrittenPaths["/Users/x/proj"])

	var project string
	require.NoError(t, st.DB().QueryRow(`SELECT project FROM sessions LIMIT 1`).Scan(&project))
	require.Equal(t, "proj", project)
}

func TestRenameProjectMatchesBasename(t *testing.T) {
	st, _, _ := openTestFixtures(t)
	_, err := NormalizeProjects(context.Background(), st, false)
	require.NoError(t, err)

	report, err := RenameProject(context.Background(), st, "proj", "renamed", false)
	require.NoError(t, err)
	require.Equal(t, 1, report.SessionsToUpdate)

	var project string
	require.NoError(t, st.DB().QueryRow(`SELECT project FROM sessions LIMIT 1`).Scan(&project))
	require.Equal(t, "renamed", project)
}

func TestBackfillTagsText(t *testing.T) {
	st, mem, sessionID := openTestFixtures(t)
	_, err := mem.RememberObservation(context.Background(), sessionID, "fix auth bug", "updated internal/auth/login.go", []string{"internal/auth/login.go"}, nil)
	require.NoError(t, err)
	// RememberObservation derives tags_text at insert; clear it so the
	// backfill has a row to repopulate.
	_, err = st.DB().Exec(`UPDATE memory_items SET tags_text = ''`)
	require.NoError(t, err)

	result, err := BackfillTagsText(context.Background(), st, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Updated)

	var tagsText string
	require.NoError(t, st.DB().QueryRow(`SELECT tags_text FROM memory_items LIMIT 1`).Scan(&tagsText))
	require.NotEmpty(t, tagsText)
}

func TestBackfillVectorsSkipsNullEmbedder(t *testing.T) {
	st, mem, sessionID := openTestFixtures(t)
	_, err := mem.RememberObservation(context.Background(), sessionID, "title", "body", nil, nil)
	require.NoError(t, err)

	result, err := BackfillVectors(context.Background(), st, embedding.NullEmbedder{}, 0)
	require.NoError(t, err)
	require.Zero(t, result.Updated)
}

func TestChunkTextOverlap(t *testing.T) {
	text := make([]byte, 1200)
	for i := range text {
		text[i] = 'a'
	}
	chunks := chunkText(string(text), 500, 50)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), 500)
	}
}

func TestAllocateByWeightSumsToTotal(t *testing.T) {
	out := allocateByWeight(100, []int64{1, 2, 3}, map[int64]int64{1: 10, 2: 20, 3: 30})
	var sum int64
	for _, v := range out {
		sum += v
	}
	require.Equal(t, int64(100), sum)
}


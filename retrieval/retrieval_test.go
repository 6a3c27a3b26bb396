package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/embedding"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

func openTestEngine(t *testing.T) (*store.Store, *memory.Store, *Engine, int64) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	res, err := st.DB().Exec(`INSERT INTO sessions (started_at, project) VALUES (?, ?)`, store.FormatTime(store.NowUTC()), "proj-a")
	require.NoError(t, err)
	sessionID, err := res.LastInsertId()
	require.NoError(t, err)

	repl := replication.New(st, nil)
	ms := memory.New(st, repl, nil)
	eng := New(st, embedding.NullEmbedder{}, nil)
	return st, ms, eng, sessionID
}

func TestFTSSearchFindsByTitleAndBody(t *testing.T) {
	_, ms, eng, sessionID := openTestEngine(t)
	ctx := context.Background()

	_, err := ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindDecision, Title: "Switch to SQLite WAL mode",
		BodyText: "Enabled WAL to reduce writer contention under concurrent flush.",
	})
	require.NoError(t, err)
	_, err = ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindObservation, Title: "Unrelated note",
		BodyText: "Nothing to do with storage engines.",
	})
	require.NoError(t, err)

	scored, err := eng.FTSSearch(ctx, "SQLite WAL", "", Filters{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, scored)
	require.Equal(t, "Switch to SQLite WAL mode", scored[0].Candidate.Title)
}

func TestSemanticSearchReturnsEmptyWithNullEmbedder(t *testing.T) {
	_, ms, eng, sessionID := openTestEngine(t)
	ctx := context.Background()

	_, err := ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindNote, Title: "x", BodyText: "y",
	})
	require.NoError(t, err)

	scored, err := eng.SemanticSearch(ctx, "anything", Filters{}, 10)
	require.NoError(t, err)
	require.Empty(t, scored)
}

func TestFuzzySearchMatchesCloseText(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Title: "Fix the connection leak", BodyText: "closed idle db conns"},
		{ID: 2, Title: "Completely different", BodyText: "no overlap at all"},
	}
	scored := FuzzySearch("fix connection leak", candidates)
	require.NotEmpty(t, scored)
	require.Equal(t, int64(1), scored[0].Candidate.ID)
}

func TestRerankScorePrefersRecentAndHigherKindBonus(t *testing.T) {
	now := time.Now()
	recentDecision := RerankScore(0.5, now, now, memory.KindDecision)
	oldObservation := RerankScore(0.5, now.AddDate(0, 0, -60), now, memory.KindObservation)
	require.Greater(t, recentDecision, oldObservation)
}

func TestProjectSQLClauseExactForPathLike(t *testing.T) {
	clause, args := ProjectSQLClause("org/repo")
	require.Equal(t, "sessions.project = ?", clause)
	require.Equal(t, []any{"org/repo"}, args)
}

func TestProjectSQLClauseLegacySuffixForBareName(t *testing.T) {
	clause, args := ProjectSQLClause("repo")
	require.Contains(t, clause, "LIKE")
	require.Len(t, args, 3)
}

func TestClassifyIntentRecallPhrase(t *testing.T) {
	require.Equal(t, IntentRecall, ClassifyIntent("what did we do last time on this?"))
}

func TestClassifyIntentTaskPhrase(t *testing.T) {
	require.Equal(t, IntentTask, ClassifyIntent("what's the next todo item to finish?"))
}

func TestClassifyIntentGenericFallback(t *testing.T) {
	require.Equal(t, IntentGeneric, ClassifyIntent("tell me about the project architecture"))
}

func TestBuildMemoryPackRecallOrdersSummaryFirst(t *testing.T) {
	_, ms, eng, sessionID := openTestEngine(t)
	ctx := context.Background()

	_, err := ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindObservation, Title: "first observation",
		BodyText: "explored the codebase layout",
	})
	require.NoError(t, err)
	_, err = ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindSessionSummary, Title: "session summary",
		BodyText: "Implemented the retrieval engine end to end.",
	})
	require.NoError(t, err)
	_, err = ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindObservation, Title: "last observation",
		BodyText: "wrapped up with tests",
	})
	require.NoError(t, err)

	pack, err := eng.BuildMemoryPack(ctx, "what did we do last time on this project?", 10, 0, Filters{})
	require.NoError(t, err)
	require.NotNil(t, pack)
	require.Contains(t, pack.Text, "## Summary\n")
}

func TestBuildMemoryPackTaskBranchFallsBackToRecent(t *testing.T) {
	_, ms, eng, sessionID := openTestEngine(t)
	ctx := context.Background()

	_, err := ms.Remember(ctx, memory.RememberInput{
		SessionID: sessionID, Kind: memory.KindNote, Title: "remember to wire up retries",
		BodyText: "still pending",
	})
	require.NoError(t, err)

	pack, err := eng.BuildMemoryPack(ctx, "what should I do next?", 5, 0, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, pack.Items)
}

func TestBudgetItemsAlwaysIncludesAtLeastOne(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, BodyText: "this body text is long enough to exceed a tiny budget by itself"},
		{ID: 2, BodyText: "second"},
	}
	packed, _ := budgetItems(candidates, 1)
	require.Len(t, packed, 1)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, int64(0), EstimateTokens(""))
	require.Equal(t, int64(1), EstimateTokens("abcd"))
	require.Equal(t, int64(2), EstimateTokens("abcde"))
}

package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	// Re-running schema init against the same connection must not error.
	require.NoError(t, s.init(context.Background()))
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO sessions (started_at) VALUES (?)`, NowUTC().Format("2006-01-02T15:04:05Z"))
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	boom := context.Canceled
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO sessions (started_at) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestHasColumn(t *testing.T) {
	s := openTestStore(t)
	has, err := s.hasColumn(context.Background(), "memory_items", "import_key")
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.hasColumn(context.Background(), "memory_items", "does_not_exist")
	require.NoError(t, err)
	require.False(t, has)
}

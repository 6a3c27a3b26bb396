package sync

import (
	"context"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// RecordNonce implements the sync_nonces half of replay protection: a
// second use of the same (nonce, deviceID) violates the table's primary
// key and is reported as errs.ErrConflict (spec.md §4.7: "uniqueness
// constraint makes a second use reject").
func RecordNonce(ctx context.Context, st *store.Store, nonce, deviceID string, observedAt time.Time) error {
	const op = "record_nonce"
	_, err := st.DB().ExecContext(ctx,
		`INSERT INTO sync_nonces (nonce, device_id, created_at) VALUES (?, ?, ?)`,
		nonce, deviceID, store.FormatTime(observedAt))
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errs.New(op, errs.ErrConflict, err)
	}
	return errs.New(op, errs.ErrFatalStorage, err)
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports a *sqlite3.Error whose Code is
	// ErrConstraint; matching on the message avoids importing the
	// driver package just for its error type here.
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// CleanupNonces implements cleanup_nonces(cutoff): prunes sync_nonces
// rows older than cutoff.
func CleanupNonces(ctx context.Context, st *store.Store, cutoff time.Time) (int64, error) {
	res, err := st.DB().ExecContext(ctx, `DELETE FROM sync_nonces WHERE created_at < ?`, store.FormatTime(cutoff))
	if err != nil {
		return 0, errs.New("cleanup_nonces", errs.ErrFatalStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

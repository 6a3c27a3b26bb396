package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEnsureDeviceIdentityBootstrapsAndReconciles(t *testing.T) {
	st := openTestStore(t)
	keysDir := filepath.Join(t.TempDir(), "keys")

	id1, err := EnsureDeviceIdentity(context.Background(), st, "", keysDir)
	require.NoError(t, err)
	require.NotEmpty(t, id1.DeviceID)
	require.NotEmpty(t, id1.Fingerprint)

	id2, err := EnsureDeviceIdentity(context.Background(), st, "", keysDir)
	require.NoError(t, err)
	require.Equal(t, id1.DeviceID, id2.DeviceID)
	require.Equal(t, id1.Fingerprint, id2.Fingerprint)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	st := openTestStore(t)
	id, err := EnsureDeviceIdentity(context.Background(), st, "", filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)

	body := []byte(`{"hello":"world"}`)
	timestamp := time.Now().Unix()
	nonce := NewNonce()
	sig := SignRequest(id, "POST", "/v1/ops", timestamp, nonce, body)

	require.True(t, VerifySignature(id.PublicKey, "POST", "/v1/ops", timestamp, nonce, body, sig))
	require.False(t, VerifySignature(id.PublicKey, "POST", "/v1/ops", timestamp, nonce, []byte("tampered"), sig))
}

func TestFingerprint256MatchesPublicKeyLine(t *testing.T) {
	st := openTestStore(t)
	id, err := EnsureDeviceIdentity(context.Background(), st, "", filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)
	require.Equal(t, Fingerprint256(id.PublicKeyLine), id.Fingerprint)
}

func TestRecordNonceRejectsReplay(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	require.NoError(t, RecordNonce(context.Background(), st, "abc123", "dev-a", now))
	err := RecordNonce(context.Background(), st, "abc123", "dev-a", now.Add(5*time.Second))
	require.Error(t, err)
}

func TestWithinTimeWindow(t *testing.T) {
	now := time.Now()
	require.True(t, WithinTimeWindow(now, now.Unix(), DefaultTimeWindow))
	require.False(t, WithinTimeWindow(now, now.Add(-10*time.Minute).Unix(), DefaultTimeWindow))
}

func TestMergeAddressesDedupesPreservingOrder(t *testing.T) {
	merged := MergeAddresses([]string{"http://10.0.0.1:7777"}, []string{"HTTP://10.0.0.1:7777/", "http://10.0.0.2:7777"})
	require.Equal(t, []string{"http://10.0.0.1:7777", "http://10.0.0.2:7777"}, merged)
}

func TestSelectDialAddressesPrefersMDNSFirst(t *testing.T) {
	dial := SelectDialAddresses([]string{"http://stale:7777"}, []string{"http://fresh:7777"})
	require.Equal(t, []string{"http://fresh:7777", "http://stale:7777"}, dial)
}

func TestPromoteAddressMovesToFront(t *testing.T) {
	out := PromoteAddress([]string{"a", "b", "c"}, "c")
	require.Equal(t, []string{"c", "a", "b"}, out)
}

func TestChunkOpsByBytesRespectsLimit(t *testing.T) {
	ops := make([]WireOp, 5)
	for i := range ops {
		ops[i] = WireOp{OpID: "op", Payload: []byte(`{"k":"` + string(rune('a'+i)) + `"}`)}
	}
	chunks := ChunkOpsByBytes(ops, 60)
	require.Greater(t, len(chunks), 1)
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	require.Equal(t, 5, total)
}

package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

// Runner drives run_sync_pass / the daemon tick (spec.md §4.8).
type Runner struct {
	st              *store.Store
	repl            *replication.Log
	identity        *Identity
	client          *Client
	logger          log.Logger
	maxSyncBodyBytes int64
	opsPageSize     int
	globalInclude   []string
	globalExclude   []string
}

// NewRunner constructs a Runner.
func NewRunner(st *store.Store, repl *replication.Log, identity *Identity, logger log.Logger, maxSyncBodyBytes int64, globalInclude, globalExclude []string) *Runner {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if maxSyncBodyBytes <= 0 {
		maxSyncBodyBytes = 4 << 20
	}
	return &Runner{
		st: st, repl: repl, identity: identity, client: NewClient(identity, 3*time.Second),
		logger: logger, maxSyncBodyBytes: maxSyncBodyBytes, opsPageSize: 200,
		globalInclude: globalInclude, globalExclude: globalExclude,
	}
}

// PassResult tallies one run_sync_pass outcome.
type PassResult struct {
	OK      bool
	OpsIn   int
	OpsOut  int
	Address string
	Err     error
}

// RunSyncPass implements spec.md §4.8's run_sync_pass for a single peer:
// merge mDNS addresses, compute the dial list, try each address in order
// until one succeeds.
func (r *Runner) RunSyncPass(ctx context.Context, peer *Peer, mdnsAddresses []string) PassResult {
	logger := r.logger.With("peer_id", peer.PeerDeviceID)

	merged := MergeAddresses(peer.Addresses, mdnsAddresses)
	if err := SaveAddresses(ctx, r.st, peer.PeerDeviceID, merged); err != nil {
		logger.Warn("sync: failed to persist merged addresses", "error", err)
	}
	dial := SelectDialAddresses(merged, mdnsAddresses)

	var lastErr error
	for _, addr := range dial {
		res := r.syncOneAddress(ctx, peer, addr)
		if res.OK {
			if err := PromoteAndSave(ctx, r.st, peer.PeerDeviceID, merged, addr); err != nil {
				logger.Warn("sync: failed to promote address", "error", err)
			}
			_ = RecordSyncAttempt(ctx, r.st, peer.PeerDeviceID, true, nil, store.NowUTC())
			logger.Debug("sync pass ok", "address", addr, "ops_in", res.OpsIn, "ops_out", res.OpsOut)
			return res
		}
		lastErr = res.Err
	}
	_ = RecordSyncAttempt(ctx, r.st, peer.PeerDeviceID, false, lastErr, store.NowUTC())
	logger.Warn("sync pass failed", "error", lastErr)
	return PassResult{OK: false, Err: lastErr}
}

// PromoteAndSave persists addresses with addr moved to the front.
func PromoteAndSave(ctx context.Context, st *store.Store, peerDeviceID string, addresses []string, addr string) error {
	return SaveAddresses(ctx, st, peerDeviceID, PromoteAddress(addresses, addr))
}

func (r *Runner) syncOneAddress(ctx context.Context, peer *Peer, addr string) PassResult {
	const op = "run_sync_pass"
	baseURL := baseURLFor(addr)

	status, err := r.client.GetStatus(ctx, baseURL)
	if err != nil {
		return PassResult{OK: false, Err: errs.New(op, errs.ErrTransientIO, err)}
	}
	if peer.PinnedFingerprint != "" && status.Fingerprint != peer.PinnedFingerprint {
		return PassResult{OK: false, Err: errs.New(op, errs.ErrAuthFailure, nil)}
	}

	opsIn, err := r.pullInbound(ctx, peer, baseURL)
	if err != nil {
		return PassResult{OK: false, Err: err}
	}

	opsOut, err := r.pushOutbound(ctx, peer, baseURL)
	if err != nil {
		return PassResult{OK: false, Err: err}
	}

	return PassResult{OK: true, OpsIn: opsIn, OpsOut: opsOut, Address: addr}
}

func (r *Runner) pullInbound(ctx context.Context, peer *Peer, baseURL string) (int, error) {
	const op = "run_sync_pass_pull"
	cursor, err := r.loadCursor(ctx, peer.PeerDeviceID, "last_applied_cursor")
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	total := 0
	for {
		page, err := r.client.GetOps(ctx, baseURL, cursor, r.opsPageSize)
		if err != nil {
			return total, err
		}
		if len(page.Ops) == 0 {
			break
		}
		ops := make([]replication.Op, 0, len(page.Ops))
		for _, w := range page.Ops {
			o, err := fromWireOp(w)
			if err != nil {
				continue
			}
			ops = append(ops, o)
		}
		filter := peer.ResolveProjectFilter(r.globalInclude, r.globalExclude)
		if _, err := r.repl.ApplyOps(ctx, ops, peer.PeerDeviceID, store.NowUTC(), filter); err != nil {
			return total, errs.New(op, errs.ErrFatalStorage, err)
		}
		total += len(ops)
		cursor = page.NextCursor
		if err := r.saveCursor(ctx, peer.PeerDeviceID, "last_applied_cursor", cursor); err != nil {
			return total, errs.New(op, errs.ErrFatalStorage, err)
		}
		if cursor == "" || len(page.Ops) < r.opsPageSize {
			break
		}
	}
	return total, nil
}

func (r *Runner) pushOutbound(ctx context.Context, peer *Peer, baseURL string) (int, error) {
	const op = "run_sync_pass_push"
	cursorStr, err := r.loadCursor(ctx, peer.PeerDeviceID, "last_acked_cursor")
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	cursor, err := replication.ParseCursor(cursorStr)
	if err != nil {
		cursor = replication.Cursor{}
	}

	filter := peer.ResolveProjectFilter(r.globalInclude, r.globalExclude)
	total := 0
	for {
		ops, next, err := r.repl.LoadOpsSince(ctx, cursor, r.opsPageSize, "")
		if err != nil {
			return total, errs.New(op, errs.ErrFatalStorage, err)
		}
		if len(ops) == 0 {
			break
		}
		partition := replication.Partition(ops, filter)

		wire := make([]WireOp, len(partition.Allowed))
		for i, o := range partition.Allowed {
			wire[i] = toWireOp(o)
		}
		for _, chunk := range ChunkOpsByBytes(wire, r.maxSyncBodyBytes) {
			if _, err := r.client.PostOps(ctx, baseURL, chunk); err != nil {
				return total, err
			}
			total += len(chunk)
		}

		// Advance the cursor to the full page's boundary: filter skips
		// (I7) must still move next_cursor so a sync session never
		// stalls because of project-filter exclusions.
		cursor = next
		if err := r.saveCursor(ctx, peer.PeerDeviceID, "last_acked_cursor", cursor.String()); err != nil {
			return total, errs.New(op, errs.ErrFatalStorage, err)
		}
		if len(ops) < r.opsPageSize {
			break
		}
	}
	return total, nil
}

func (r *Runner) loadCursor(ctx context.Context, peerDeviceID, column string) (string, error) {
	query := `SELECT ` + column + ` FROM replication_cursors WHERE peer_device_id = ?`
	var v sql.NullString
	err := r.st.DB().QueryRowContext(ctx, query, peerDeviceID).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			_, insertErr := r.st.DB().ExecContext(ctx, `INSERT INTO replication_cursors (peer_device_id) VALUES (?)`, peerDeviceID)
			return "", insertErr
		}
		return "", err
	}
	return v.String, nil
}

func (r *Runner) saveCursor(ctx context.Context, peerDeviceID, column, value string) error {
	query := `UPDATE replication_cursors SET ` + column + ` = ? WHERE peer_device_id = ?`
	_, err := r.st.DB().ExecContext(ctx, query, value, peerDeviceID)
	return err
}

// DaemonTick implements spec.md §4.8's daemon tick: preflight convergence
// sweeps, then one sync pass per peer, sequentially.
func (r *Runner) DaemonTick(ctx context.Context, localDeviceID string, mdnsAddressesByPeer map[string][]string) []PassResult {
	logger := r.logger.With("device_id", localDeviceID)
	if _, err := r.repl.MigrateLegacyImportKeys(ctx, localDeviceID, 1000); err != nil {
		logger.Warn("sync: migrate_legacy_import_keys failed", "error", err)
	}
	if _, err := r.repl.BackfillReplicationOps(ctx, 1000); err != nil {
		logger.Warn("sync: backfill_replication_ops failed", "error", err)
	}

	peers, err := ListPeers(ctx, r.st)
	if err != nil {
		logger.Warn("sync: list_peers failed", "error", err)
		return nil
	}

	var results []PassResult
	for _, peer := range peers {
		res := r.RunSyncPass(ctx, peer, mdnsAddressesByPeer[peer.PeerDeviceID])
		results = append(results, res)
	}
	return results
}

func baseURLFor(addr string) string {
	if hasScheme(addr) {
		return addr
	}
	return "http://" + addr
}

func hasScheme(addr string) bool {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return i+2 < len(addr) && addr[i+1] == '/' && addr[i+2] == '/'
		}
		if addr[i] == '/' {
			return false
		}
	}
	return false
}

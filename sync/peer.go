package sync

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

// Peer is one row of sync_peers.
type Peer struct {
	PeerDeviceID      string
	Name              string
	PinnedFingerprint string
	PublicKey         string
	Addresses         []string
	ProjectsInclude   *[]string
	ProjectsExclude   *[]string
	LastSuccessAt     *time.Time
	LastError         string
	LastErrorAt       *time.Time
}

// PublicKey25519 parses Peer.PublicKey as an OpenSSH authorized_keys
// line for signature verification.
func (p *Peer) PublicKey25519() (ed25519.PublicKey, error) {
	return ParsePublicKeyLine(p.PublicKey)
}

// LoadPeer reads one sync_peers row.
func LoadPeer(ctx context.Context, st *store.Store, peerDeviceID string) (*Peer, error) {
	const op = "load_peer"
	row := st.DB().QueryRowContext(ctx, `
		SELECT peer_device_id, name, pinned_fingerprint, public_key, addresses_json,
		       projects_include_json, projects_exclude_json, last_success_at, last_error, last_error_at
		FROM sync_peers WHERE peer_device_id = ?`, peerDeviceID)
	return scanPeer(op, row)
}

// ListPeers reads every sync_peers row.
func ListPeers(ctx context.Context, st *store.Store) ([]*Peer, error) {
	const op = "list_peers"
	rows, err := st.DB().QueryContext(ctx, `
		SELECT peer_device_id, name, pinned_fingerprint, public_key, addresses_json,
		       projects_include_json, projects_exclude_json, last_success_at, last_error, last_error_at
		FROM sync_peers`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()
	var out []*Peer
	for rows.Next() {
		p, err := scanPeerRows(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPeer(op string, row scannable) (*Peer, error) {
	return scanPeerRows(op, row)
}

func scanPeerRows(op string, row scannable) (*Peer, error) {
	var p Peer
	var addressesJSON string
	var name, pinnedFingerprint, publicKey, lastError sql.NullString
	var includeJSON, excludeJSON sql.NullString
	var lastSuccessAt, lastErrorAt sql.NullString
	if err := row.Scan(&p.PeerDeviceID, &name, &pinnedFingerprint,
		&publicKey, &addressesJSON, &includeJSON, &excludeJSON, &lastSuccessAt, &lastError, &lastErrorAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(op, errs.ErrNotFound, err)
		}
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	p.Name = name.String
	p.PinnedFingerprint = pinnedFingerprint.String
	p.PublicKey = publicKey.String
	p.LastError = lastError.String
	_ = store.DecodeJSON(addressesJSON, &p.Addresses)
	if includeJSON.Valid {
		var v []string
		if store.DecodeJSON(includeJSON.String, &v) == nil {
			p.ProjectsInclude = &v
		}
	}
	if excludeJSON.Valid {
		var v []string
		if store.DecodeJSON(excludeJSON.String, &v) == nil {
			p.ProjectsExclude = &v
		}
	}
	if lastSuccessAt.Valid {
		if t, err := store.ParseTime(lastSuccessAt.String); err == nil {
			p.LastSuccessAt = &t
		}
	}
	if lastErrorAt.Valid {
		if t, err := store.ParseTime(lastErrorAt.String); err == nil {
			p.LastErrorAt = &t
		}
	}
	return &p, nil
}

// SaveAddresses persists a peer's merged address list in the order given;
// PromoteAndSave is the caller that first moves a successful address to
// the front (spec.md §4.8 "address promoted to front of peer's address
// list").
func SaveAddresses(ctx context.Context, st *store.Store, peerDeviceID string, addresses []string) error {
	encoded, err := store.EncodeJSON(addresses)
	if err != nil {
		return err
	}
	_, err = st.DB().ExecContext(ctx, `UPDATE sync_peers SET addresses_json = ? WHERE peer_device_id = ?`, encoded, peerDeviceID)
	return err
}

// RecordSyncAttempt updates last_success_at/last_error/last_error_at
// after a run_sync_pass (spec.md §4.8).
func RecordSyncAttempt(ctx context.Context, st *store.Store, peerDeviceID string, ok bool, syncErr error, at time.Time) error {
	if ok {
		_, err := st.DB().ExecContext(ctx, `UPDATE sync_peers SET last_success_at = ?, last_error = NULL, last_error_at = NULL WHERE peer_device_id = ?`,
			store.FormatTime(at), peerDeviceID)
		return err
	}
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	_, err := st.DB().ExecContext(ctx, `UPDATE sync_peers SET last_error = ?, last_error_at = ? WHERE peer_device_id = ?`,
		msg, store.FormatTime(at), peerDeviceID)
	return err
}

// ResolveProjectFilter builds this peer's effective ProjectFilter given
// the global config lists.
func (p *Peer) ResolveProjectFilter(globalInclude, globalExclude []string) replication.ProjectFilter {
	global := replication.ProjectFilter{Include: globalInclude, Exclude: globalExclude}
	return replication.ResolveFilter(global, p.ProjectsInclude, p.ProjectsExclude)
}

// normalizeAddress lowercases the host and strips a trailing slash so
// equivalent addresses dedupe regardless of case/trailing-slash noise.
func normalizeAddress(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), "/")
	if !strings.Contains(addr, "://") {
		return strings.ToLower(addr)
	}
	scheme, rest, _ := strings.Cut(addr, "://")
	return strings.ToLower(scheme) + "://" + rest
}

// MergeAddresses implements merge_addresses (spec.md §4.8): normalises
// and dedupes stored+new candidates, preserving the stored order first.
func MergeAddresses(stored, candidates []string) []string {
	seen := make(map[string]bool, len(stored)+len(candidates))
	var out []string
	for _, a := range stored {
		n := normalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, a)
	}
	for _, a := range candidates {
		n := normalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, a)
	}
	return out
}

// SelectDialAddresses implements select_dial_addresses: prefers
// mDNS-observed addresses first (assumed fresh), then stored ones, with
// dedup across the two.
func SelectDialAddresses(stored, mdns []string) []string {
	seen := make(map[string]bool, len(stored)+len(mdns))
	var out []string
	for _, a := range mdns {
		n := normalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, a)
	}
	for _, a := range stored {
		n := normalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, a)
	}
	return out
}

// PromoteAddress moves addr to the front of addresses, preserving
// relative order of the rest.
func PromoteAddress(addresses []string, addr string) []string {
	out := make([]string, 0, len(addresses))
	out = append(out, addr)
	for _, a := range addresses {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

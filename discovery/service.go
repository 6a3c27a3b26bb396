package discovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/store"
	syncpkg "github.com/opencode-mem/opencode-mem/sync"
)

// Service ties mDNS advertise/browse to the sync runner's daemon tick,
// and exposes the status surface spec.md §4.8/§7 says a future viewer
// would read (daemon_last_error, daemon_last_error_at, per-peer
// last_error).
type Service struct {
	runner      *syncpkg.Runner
	advertiser  *Advertiser
	browseEvery time.Duration
	logger      log.Logger

	lastErr   atomic.Value // string
	lastErrAt atomic.Value // time.Time
}

// NewService constructs a Service. browseEvery is how long each tick's
// mDNS browse runs before the daemon tick starts; it should be
// comfortably shorter than sync_interval_s.
func NewService(runner *syncpkg.Runner, advertiser *Advertiser, browseEvery time.Duration, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if browseEvery <= 0 {
		browseEvery = 5 * time.Second
	}
	return &Service{runner: runner, advertiser: advertiser, browseEvery: browseEvery, logger: logger}
}

// RunTick performs one discovery+sync cycle: browse for peers, map
// results to per-peer address candidates, then run the sync daemon tick.
func (s *Service) RunTick(ctx context.Context, localDeviceID string, peerDeviceIDs []string) []syncpkg.PassResult {
	logger := s.logger.With("device_id", localDeviceID)
	entries, err := Browse(ctx, s.browseEvery, logger)
	if err != nil {
		logger.Warn("discovery: mdns browse failed", "error", err)
		entries = nil
	}

	byPeer := make(map[string][]string, len(peerDeviceIDs))
	for _, peerID := range peerDeviceIDs {
		byPeer[peerID] = AddressesForPeer(entries, peerID)
	}

	results := s.runner.DaemonTick(ctx, localDeviceID, byPeer)
	s.recordTickOutcome(results)
	return results
}

func (s *Service) recordTickOutcome(results []syncpkg.PassResult) {
	for _, r := range results {
		if !r.OK && r.Err != nil {
			s.lastErr.Store(r.Err.Error())
			s.lastErrAt.Store(time.Now())
			return
		}
	}
}

// PeerStatus summarises one peer's sync state for the status surface.
type PeerStatus struct {
	PeerDeviceID string     `json:"peer_device_id"`
	Name         string     `json:"name,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
}

// DaemonStatus is the status surface spec.md §7 says the (out of scope)
// browser viewer would read via GET /api/sync/status.
type DaemonStatus struct {
	DaemonLastError   string       `json:"daemon_last_error,omitempty"`
	DaemonLastErrorAt *time.Time   `json:"daemon_last_error_at,omitempty"`
	Peers             []PeerStatus `json:"peers"`
}

// Status reports the current daemon-level and per-peer sync status.
func (s *Service) Status(ctx context.Context, st *store.Store) (DaemonStatus, error) {
	peers, err := syncpkg.ListPeers(ctx, st)
	if err != nil {
		return DaemonStatus{}, err
	}
	out := DaemonStatus{Peers: make([]PeerStatus, 0, len(peers))}
	if v, ok := s.lastErr.Load().(string); ok && v != "" {
		out.DaemonLastError = v
		if at, ok := s.lastErrAt.Load().(time.Time); ok {
			out.DaemonLastErrorAt = &at
		}
	}
	for _, p := range peers {
		out.Peers = append(out.Peers, PeerStatus{
			PeerDeviceID:  p.PeerDeviceID,
			Name:          p.Name,
			LastSuccessAt: p.LastSuccessAt,
			LastError:     p.LastError,
			LastErrorAt:   p.LastErrorAt,
		})
	}
	return out, nil
}

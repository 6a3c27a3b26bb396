// Command opencode-mem runs the local memory daemon: raw-event ingest,
// the signed sync protocol, mDNS discovery, and the standalone
// maintenance operations of spec.md §4.9. There is deliberately no
// argument-parsing framework here (a future CLI/MCP shell is a thin
// client over the packages in this module) — just a small subcommand
// dispatch, matching the Non-goals named for this core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/opencode-mem/opencode-mem/config"
	"github.com/opencode-mem/opencode-mem/discovery"
	"github.com/opencode-mem/opencode-mem/embedding"
	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/flush"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/maintenance"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/rawevents"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/retrieval"
	"github.com/opencode-mem/opencode-mem/store"
	syncpkg "github.com/opencode-mem/opencode-mem/sync"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	exitCode := 1
	switch cmd {
	case "serve":
		err = runServe()
	case "stop":
		err = runStop()
	case "status":
		err = runStatus()
	case "stats":
		err = runStats()
	case "pair":
		err = runPair()
	case "rename-project":
		err = runRenameProject(os.Args[2:])
		exitCode = 2
	case "flush-raw-events":
		err = runFlushRawEvents(os.Args[2:])
	case "raw-events-status":
		err = runRawEventsStatus(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want: serve, stop, status, stats, pair, rename-project, flush-raw-events, raw-events-status)\n", cmd)
		os.Exit(127)
	}
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitCode)
	}
}

// app bundles every component wired over one open store, shared by every
// subcommand so they don't each hand-roll the construction order.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	st       *store.Store
	repl     *replication.Log
	mem      *memory.Store
	spool    *rawevents.Spool
	pipeline *flush.Pipeline
	engine   *retrieval.Engine
	identity *syncpkg.Identity
}

func newApp(ctx context.Context, logger log.Logger) (*app, error) {
	cfgPath, err := config.DefaultConfigPath()
	if err != nil {
		return nil, errs.New("load_config", errs.ErrFatalStorage, err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, errs.New("load_config", errs.ErrFatalStorage, err)
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath, err = config.DefaultDatabasePath()
		if err != nil {
			return nil, errs.New("load_config", errs.ErrFatalStorage, err)
		}
	}
	st, err := store.Open(dbPath, store.DefaultOptions())
	if err != nil {
		return nil, errs.New("open_store", errs.ErrFatalStorage, err)
	}

	repl := replication.New(st, logger)
	mem := memory.New(st, repl, logger)
	spool := rawevents.New(st, logger)
	pipeline := flush.New(st, spool, mem, flush.NullExtractor{}, logger)
	engine := retrieval.New(st, embedding.NullEmbedder{}, logger)
	engine.SetRecencyWindows(cfg.PackTaskRecencyDays, cfg.PackRecallRecencyDays)

	keysDir := cfg.KeysDir
	if keysDir == "" {
		keysDir, err = config.DefaultKeysDir()
		if err != nil {
			st.Close()
			return nil, errs.New("load_config", errs.ErrFatalStorage, err)
		}
	}
	identity, err := syncpkg.EnsureDeviceIdentity(ctx, st, "", keysDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg: cfg, logger: logger, st: st, repl: repl, mem: mem,
		spool: spool, pipeline: pipeline, engine: engine, identity: identity,
	}, nil
}

func (a *app) pidFile() string {
	return pidFileFor(a.cfg)
}

func runServe() error {
	logger := log.New(log.LevelInfo)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	sup := discovery.NewSupervisor(a.pidFile())
	if _, running, _ := sup.Status(); running {
		return errs.New("serve", errs.ErrInvariantViolation, fmt.Errorf("daemon already running"))
	}
	if err := sup.WritePid(); err != nil {
		logger.Warn("could not write pidfile", "error", err)
	}
	defer sup.Cleanup()

	if !a.cfg.SyncEnabled {
		logger.Info("sync disabled; serving ingest and maintenance only")
		return serveIngestOnly(ctx, a)
	}

	syncServer := syncpkg.NewServer(a.st, a.repl, a.identity, logger, a.cfg.MaxSyncBodyBytes)
	syncAddr := fmt.Sprintf("%s:%d", orDefault(a.cfg.SyncHost, "0.0.0.0"), a.cfg.SyncPort)

	runner := syncpkg.NewRunner(a.st, a.repl, a.identity, logger, a.cfg.MaxSyncBodyBytes,
		a.cfg.SyncProjectsInclude, a.cfg.SyncProjectsExclude)

	var advertiser *discovery.Advertiser
	if a.cfg.SyncMDNS {
		advertiser, err = discovery.Advertise(a.identity.DeviceID, a.cfg.SyncPort, logger)
		if err != nil {
			logger.Warn("mdns advertise failed", "error", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	svc := discovery.NewService(runner, advertiser, 5*time.Second, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- syncServer.Serve(ctx, syncAddr) }()
	go func() { errCh <- serveViewerAndIngest(ctx, a, svc) }()
	go runDaemonLoop(ctx, a, svc, logger)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func serveIngestOnly(ctx context.Context, a *app) error {
	return serveViewerAndIngest(ctx, a, nil)
}

func runDaemonLoop(ctx context.Context, a *app, svc *discovery.Service, logger log.Logger) {
	interval := time.Duration(a.cfg.SyncIntervalS) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := syncpkg.CleanupNonces(ctx, a.st, time.Now().Add(-2*syncpkg.DefaultTimeWindow)); err != nil {
				logger.Warn("nonce cleanup failed", "error", err)
			}
			peers, err := syncpkg.ListPeers(ctx, a.st)
			if err != nil {
				logger.Warn("list peers failed", "error", err)
				continue
			}
			peerIDs := make([]string, len(peers))
			for i, p := range peers {
				peerIDs[i] = p.PeerDeviceID
			}
			svc.RunTick(ctx, a.identity.DeviceID, peerIDs)
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func runStop() error {
	cfg, err := loadConfigOnly()
	if err != nil {
		return err
	}
	sup := discovery.NewSupervisor(pidFileFor(cfg))
	return sup.Stop()
}

func loadConfigOnly() (*config.Config, error) {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return nil, errs.New("load_config", errs.ErrFatalStorage, err)
	}
	return config.Load(path)
}

func pidFileFor(cfg *config.Config) string {
	keysDir := cfg.KeysDir
	if keysDir == "" {
		keysDir, _ = config.DefaultKeysDir()
	}
	return filepath.Join(filepath.Dir(keysDir), "daemon.pid")
}

func runStatus() error {
	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	runner := syncpkg.NewRunner(a.st, a.repl, a.identity, logger, a.cfg.MaxSyncBodyBytes, nil, nil)
	svc := discovery.NewService(runner, nil, 5*time.Second, logger)
	st, err := svc.Status(ctx, a.st)
	if err != nil {
		return err
	}
	fmt.Printf("device_id=%s sync_enabled=%v peers=%d\n", a.identity.DeviceID, a.cfg.SyncEnabled, len(st.Peers))
	for _, p := range st.Peers {
		fmt.Printf("  peer %s (%s) last_error=%q\n", p.PeerDeviceID, p.Name, p.LastError)
	}
	return nil
}

func runStats() error {
	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	report, err := maintenance.Stats(ctx, a.st)
	if err != nil {
		return err
	}
	data, err := report.JSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// pairingPayload is the out-of-band payload format spec.md §6 names.
type pairingPayload struct {
	DeviceID    string   `json:"device_id"`
	Fingerprint string   `json:"fingerprint"`
	PublicKey   string   `json:"public_key"`
	Address     string   `json:"address"`
	Addresses   []string `json:"addresses"`
}

func runPair() error {
	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	hosts, err := discovery.PickAdvertiseHosts(string(a.cfg.SyncAdvertise))
	if err != nil {
		return errs.New("pair", errs.ErrInvariantViolation, err)
	}
	if a.cfg.SyncAdvertise == config.AdvertiseNone && a.cfg.SyncAdvertiseHost != "" {
		hosts = []string{a.cfg.SyncAdvertiseHost}
	}
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = fmt.Sprintf("%s:%d", h, a.cfg.SyncPort)
	}
	addr := ""
	if len(addrs) > 0 {
		addr = addrs[0]
	}

	payload := pairingPayload{
		DeviceID: a.identity.DeviceID, Fingerprint: a.identity.Fingerprint,
		PublicKey: a.identity.PublicKeyLine, Address: addr, Addresses: addrs,
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRenameProject(args []string) error {
	if len(args) != 2 {
		return errs.New("rename_project", errs.ErrInvariantViolation, fmt.Errorf("usage: opencode-mem rename-project <old> <new>"))
	}
	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	report, err := maintenance.RenameProject(ctx, a.st, args[0], args[1], false)
	if err != nil {
		return err
	}
	fmt.Printf("renamed %q -> %q across %d sessions, %d raw-event sessions\n",
		report.OldName, report.NewName, report.SessionsToUpdate, report.RawEventSessionsToUpdate)
	return nil
}

// runFlushRawEvents drives the pipeline directly, outside the daemon loop,
// for a producer that wants its own session flushed immediately.
func runFlushRawEvents(args []string) error {
	if len(args) < 1 {
		return errs.New("flush_raw_events", errs.ErrInvariantViolation, fmt.Errorf("usage: opencode-mem flush-raw-events <opencode_session_id> [max_events]"))
	}
	maxEvents := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return errs.New("flush_raw_events", errs.ErrInvariantViolation, fmt.Errorf("max_events must be an integer: %w", err))
		}
		maxEvents = n
	}

	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	result, err := a.pipeline.FlushRawEvents(ctx, args[0], maxEvents)
	if err != nil {
		return err
	}
	fmt.Printf("flushed %d events (batch=%d)\n", result.Flushed, result.BatchID)
	return nil
}

// runRawEventsStatus prints the pending backlog, one line per session,
// mirroring the original raw-events-status report.
func runRawEventsStatus(args []string) error {
	limit := 25
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errs.New("raw_events_status", errs.ErrInvariantViolation, fmt.Errorf("limit must be an integer: %w", err))
		}
		limit = n
	}

	ctx := context.Background()
	logger := log.NewNullLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.st.Close()

	backlog, err := a.spool.RawEventBacklog(ctx, limit)
	if err != nil {
		return err
	}
	if len(backlog) == 0 {
		fmt.Println("no pending raw events")
		return nil
	}
	for _, entry := range backlog {
		fmt.Printf("- %s pending=%d last_seen_ts_wall_ms=%d\n", entry.OpencodeSessionID, entry.Pending, entry.LastSeenTSWallMs)
	}
	return nil
}

package agentcore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/agentcore"
	"github.com/tripwire/sentinel/internal/collector"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/snapshot"
	"github.com/tripwire/sentinel/internal/syscallevent"
)

// fakeCollector lets tests feed synthetic syscall events straight into a
// Core without a real kernel probe or audit log.
type fakeCollector struct {
	events chan syscallevent.Event
	once   sync.Once
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{events: make(chan syscallevent.Event, 64)}
}

func (f *fakeCollector) Start(ctx context.Context) error { return nil }

func (f *fakeCollector) Stop() {
	f.once.Do(func() { close(f.events) })
}

func (f *fakeCollector) Events() <-chan syscallevent.Event { return f.events }

var (
	fakeRegistryMu sync.Mutex
	fakeRegistry   = map[string]*fakeCollector{}
)

func init() {
	collector.RegisterFactory("fake", func(opts collector.Options) (collector.Collector, error) {
		fakeRegistryMu.Lock()
		defer fakeRegistryMu.Unlock()
		c, ok := fakeRegistry[opts.AuditLogPath]
		if !ok {
			return nil, fmt.Errorf("agentcore_test: no fake collector registered for key %q", opts.AuditLogPath)
		}
		return c, nil
	})
}

// newTestConfig builds a minimal Config wired to a fresh fakeCollector,
// keyed by a unique token so parallel tests never share state.
func newTestConfig(t *testing.T, key string) (*config.Config, *fakeCollector) {
	t.Helper()
	fc := newFakeCollector()

	fakeRegistryMu.Lock()
	fakeRegistry[key] = fc
	fakeRegistryMu.Unlock()
	t.Cleanup(func() {
		fakeRegistryMu.Lock()
		delete(fakeRegistry, key)
		fakeRegistryMu.Unlock()
	})

	cfg := &config.Config{
		Collector:           "fake",
		AuditLogPath:        key,
		RiskThreshold:       20,
		WarmupPeriodSeconds: 0,
		SnapshotPath:        filepath.Join(t.TempDir(), "snapshot.json"),
		ConnectionPattern: config.ConnectionPatternConfig{
			BeaconVarianceThreshold:  10,
			MinConnectionsForBeacon:  3,
			MinBeaconInterval:        1,
			PortScanThreshold:        5,
			PortScanTimeframeSeconds: 60,
			ExfiltrationThreshold:    100 * 1024 * 1024,
		},
	}
	return cfg, fc
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestStartProcessesEventsAndStopFlushesSnapshot(t *testing.T) {
	cfg, fc := newTestConfig(t, "basic")
	core, err := agentcore.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fc.events <- syscallevent.Event{Pid: 100, Syscall: "execve", Comm: "myproc", Timestamp: float64(time.Now().Unix())}
	fc.events <- syscallevent.Event{Pid: 100, Syscall: "read", Comm: "myproc", Timestamp: float64(time.Now().Unix())}

	// give processEvents a moment to ingest before shutting everything down.
	time.Sleep(50 * time.Millisecond)
	core.Stop()

	data, err := os.ReadFile(cfg.SnapshotPath)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	var state snapshot.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if state.Stats.TotalProcesses != 1 {
		t.Fatalf("Stats.TotalProcesses = %d, want 1", state.Stats.TotalProcesses)
	}
}

func TestHighRiskSyscallsTriggerAlertAndSnapshotReflectsIt(t *testing.T) {
	cfg, fc := newTestConfig(t, "high-risk")
	core, err := agentcore.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// ptrace/setuid/chroot carry heavy rule-based weight; a handful of
	// these easily clears the configured risk threshold of 20.
	for _, sc := range []string{"ptrace", "setuid", "chroot", "mount"} {
		fc.events <- syscallevent.Event{Pid: 200, Syscall: sc, Comm: "suspicious", Timestamp: float64(time.Now().Unix())}
	}

	waitFor(t, 2*time.Second, func() bool { return !core.LastAlertAt().IsZero() })

	core.Stop()

	data, err := os.ReadFile(cfg.SnapshotPath)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	var state snapshot.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if state.Stats.HighRisk < 1 {
		t.Fatalf("Stats.HighRisk = %d, want at least 1", state.Stats.HighRisk)
	}
}

func TestWarmupSuppressesAlertsUntilElapsed(t *testing.T) {
	cfg, fc := newTestConfig(t, "warmup")
	cfg.WarmupPeriodSeconds = 5 // comfortably longer than this test runs
	core, err := agentcore.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, sc := range []string{"ptrace", "setuid", "chroot", "mount"} {
		fc.events <- syscallevent.Event{Pid: 300, Syscall: sc, Comm: "suspicious", Timestamp: float64(time.Now().Unix())}
	}

	time.Sleep(100 * time.Millisecond)
	core.Stop()

	if !core.LastAlertAt().IsZero() {
		t.Fatal("expected no alert to fire during warm-up")
	}
}

func TestAttachSnapshotSinkReceivesUpdates(t *testing.T) {
	cfg, fc := newTestConfig(t, "sink")
	core, err := agentcore.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}

	sink := &captureSink{}
	core.AttachSnapshotSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fc.events <- syscallevent.Event{Pid: 400, Syscall: "open", Comm: "benign", Timestamp: float64(time.Now().Unix())}
	time.Sleep(50 * time.Millisecond)
	core.Stop()

	if sink.LastState() == nil {
		t.Fatal("expected at least one snapshot pushed to the sink")
	}
}

type captureSink struct {
	mu    sync.Mutex
	state *snapshot.State
}

func (s *captureSink) SetSnapshot(state snapshot.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := state
	s.state = &st
}

func (s *captureSink) LastState() *snapshot.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func TestQueueDepthIsZeroWithoutResponseQueue(t *testing.T) {
	cfg, _ := newTestConfig(t, "queue-depth")
	core, err := agentcore.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}
	if got := core.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth = %d, want 0 when responses are disabled", got)
	}
}

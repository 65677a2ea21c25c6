// Package agentcore wires the collector, tracker, risk scorer, anomaly
// detector, connection-pattern analyzer, and alert gate into the running
// detection pipeline, and drives the snapshot writer and reaper tickers.
package agentcore

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
	"github.com/tripwire/sentinel/internal/anomaly"
	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/collector"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/connpattern"
	"github.com/tripwire/sentinel/internal/exporter"
	"github.com/tripwire/sentinel/internal/persist"
	"github.com/tripwire/sentinel/internal/response"
	"github.com/tripwire/sentinel/internal/risk"
	"github.com/tripwire/sentinel/internal/snapshot"
	"github.com/tripwire/sentinel/internal/syscallevent"
	"github.com/tripwire/sentinel/internal/tracker"
)

const (
	snapshotInterval  = 2 * time.Second
	reapInterval      = 5 * time.Minute
	inactiveCutoff    = 10 * time.Minute
	recentSyscallView = 50

	// syntheticPortBase/Span mirror the original agent's port-simulation
	// range, used only when a connection event carries no real
	// destination port.
	syntheticPortBase = 8000
	syntheticPortSpan = 200

	// beaconSpacingGate is the interval above which a repeat connection
	// to the same destination looks like beaconing rather than a scan,
	// so the synthetic port is held constant instead of varied.
	beaconSpacingGate = 2 * time.Second
)

// SnapshotSink receives each freshly built snapshot, e.g. to serve over
// opsserver's /snapshot endpoint.
type SnapshotSink interface {
	SetSnapshot(snapshot.State)
}

// Core is the central orchestrator. It starts and supervises the
// collector, and owns the tracker, scorers, analyzer, and gate that turn
// raw events into alerts.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	collector collector.Collector
	tracker   *tracker.Tracker
	detector  *anomaly.Detector
	analyzer  *connpattern.Analyzer
	gate      *alertgate.Gate

	snapshotBuilder *snapshot.Builder
	snapshotWriter  *snapshot.Writer
	snapshotSink    SnapshotSink

	auditTrail       *audit.Trail
	responseExecutor *response.Executor
	responseQueue    *persist.Queue
	exportQueue      *persist.Queue
	exp              *exporter.Exporter

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.Mutex
	lastAlertAt time.Time
	portState   map[int]*portTracker
}

// portTracker mirrors the per-pid connection bookkeeping the original
// agent kept to synthesize a destination port when the collector cannot
// supply one: a steady port for spaced-out connections (beaconing), a
// varying one for rapid connections (scanning).
type portTracker struct {
	count    int
	lastPort int
	lastTime time.Time
}

// New builds a Core from cfg. It opens the configured collector, loads the
// anomaly model (a load failure degrades to an un-fitted detector, never
// an error), and wires the optional audit/response/exporter components.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	coll, err := collector.New(cfg.Collector, collector.Options{AuditLogPath: cfg.AuditLogPath})
	if err != nil {
		return nil, fmt.Errorf("agentcore: open collector %q: %w", cfg.Collector, err)
	}

	detector, err := anomaly.NewDetector(cfg.ModelPath)
	if err != nil {
		logger.Warn("agentcore: anomaly model failed to load, running un-fitted", slog.Any("error", err))
	}

	connCfg := connpattern.Config{
		BeaconVarianceThreshold: cfg.ConnectionPattern.BeaconVarianceThreshold,
		MinConnectionsForBeacon: cfg.ConnectionPattern.MinConnectionsForBeacon,
		MinBeaconInterval:       cfg.ConnectionPattern.MinBeaconInterval,
		PortScanThreshold:       cfg.ConnectionPattern.PortScanThreshold,
		PortScanTimeframe:       cfg.ConnectionPattern.PortScanTimeframeSeconds,
		ExfiltrationThreshold:   cfg.ConnectionPattern.ExfiltrationThreshold,
	}

	gateCfg := alertgate.DefaultConfig()
	gateCfg.WarmupPeriod = time.Duration(cfg.WarmupPeriodSeconds * float64(time.Second))
	gateCfg.Excluded = cfg.ExcludedProcesses
	gateCfg.EnableResponses = cfg.Response.EnableResponses
	gateCfg.WarnThreshold = cfg.Response.WarnThreshold
	gateCfg.FreezeThreshold = cfg.Response.FreezeThreshold
	gateCfg.IsolateThreshold = cfg.Response.IsolateThresh
	gateCfg.KillThreshold = cfg.Response.KillThreshold

	c := &Core{
		cfg:             cfg,
		logger:          logger,
		collector:       coll,
		tracker:         tracker.New(0, cfg.ExcludedProcesses),
		detector:        detector,
		analyzer:        connpattern.New(connCfg),
		snapshotBuilder: snapshot.NewBuilder(cfg.RiskThreshold),
		snapshotWriter:  snapshot.NewWriter(cfg.SnapshotPath, fallbackSnapshotPath()),
		startTime:       time.Now(),
		portState:       make(map[int]*portTracker),
	}

	var gateOpts []alertgate.Option
	gateOpts = append(gateOpts, alertgate.WithAlertSink(c.onAlert))
	if cfg.Response.EnableResponses {
		gateOpts = append(gateOpts, alertgate.WithResponseHandler(c.onResponseNeeded))
	}
	c.gate = alertgate.New(gateCfg, gateOpts...)

	if cfg.Audit.Enabled {
		trail, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("agentcore: open audit trail: %w", err)
		}
		c.auditTrail = trail
	}

	if cfg.Response.EnableResponses {
		rq, err := response.OpenQueue(cfg.Persist.ResponseQueuePath)
		if err != nil {
			return nil, fmt.Errorf("agentcore: open response queue: %w", err)
		}
		c.responseQueue = rq
		thresholds := response.Thresholds{
			Warn:   cfg.Response.WarnThreshold,
			Freeze: cfg.Response.FreezeThreshold,
		}
		if cfg.Response.EnableIsolation {
			thresholds.Isolate = cfg.Response.IsolateThresh
		}
		if cfg.Response.EnableKill {
			thresholds.Kill = cfg.Response.KillThreshold
		}
		c.responseExecutor = response.New(thresholds, rq)
	}

	if cfg.Exporter.Enabled {
		eq, err := persist.Open(cfg.Persist.ExportQueuePath, "export_queue")
		if err != nil {
			return nil, fmt.Errorf("agentcore: open export queue: %w", err)
		}
		c.exportQueue = eq

		exp, err := exporter.New(exporter.Config{
			Endpoint:    cfg.Exporter.Endpoint,
			CertPath:    cfg.Exporter.CertPath,
			KeyPath:     cfg.Exporter.KeyPath,
			CAPath:      cfg.Exporter.CAPath,
			HostID:      cfg.Exporter.HostIdentity,
			BearerToken: cfg.Exporter.BearerToken,
			ServerName:  "",
		}, eq, logger)
		if err != nil {
			return nil, fmt.Errorf("agentcore: build exporter: %w", err)
		}
		c.exp = exp
	}

	return c, nil
}

// AttachSnapshotSink registers a consumer (e.g. opsserver.Server) that
// receives every newly built snapshot.
func (c *Core) AttachSnapshotSink(sink SnapshotSink) { c.snapshotSink = sink }

// QueueDepth implements opsserver.HealthSource, reporting the response
// queue depth (0 when responses are disabled).
func (c *Core) QueueDepth() int {
	if c.responseQueue == nil {
		return 0
	}
	return c.responseQueue.Depth()
}

// LastAlertAt implements opsserver.HealthSource.
func (c *Core) LastAlertAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAlertAt
}

// Start launches the collector, the event-processing loop, and the
// snapshot/reaper tickers. It returns once the collector has started;
// all loops run in background goroutines until Stop is called.
func (c *Core) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.collector.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("agentcore: start collector: %w", err)
	}
	if c.exp != nil {
		c.exp.Start(ctx)
	}

	c.wg.Add(3)
	go c.processEvents(ctx)
	go c.snapshotLoop(ctx)
	go c.reapLoop(ctx)

	c.logger.Info("sentinel agent started",
		slog.String("collector", c.cfg.Collector),
		slog.Float64("risk_threshold", c.cfg.RiskThreshold),
		slog.Float64("warmup_period_seconds", c.cfg.WarmupPeriodSeconds),
	)
	return nil
}

// Stop shuts down the collector and every background loop, then closes
// the durable queues and audit trail. Safe to call once.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.collector.Stop()
	c.wg.Wait()

	if c.exp != nil {
		c.exp.Stop()
	}
	if c.auditTrail != nil {
		_ = c.auditTrail.Close()
	}
	if c.responseQueue != nil {
		_ = c.responseQueue.Close()
	}
	if c.exportQueue != nil {
		_ = c.exportQueue.Close()
	}

	c.writeSnapshot()
	c.logger.Info("sentinel agent stopped")
}

func (c *Core) processEvents(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.collector.Events():
			if !ok {
				return
			}
			c.handleEvent(evt)
		}
	}
}

func (c *Core) handleEvent(evt syscallevent.Event) {
	rec, _ := c.tracker.Ingest(evt)
	if rec == nil {
		return
	}

	var patternFired bool
	if evt.IsNetworkOrigin() {
		patternFired = c.handleNetworkEvent(evt, rec)
	}

	recent := rec.RecentSyscalls(recentSyscallView)
	resource := rec.Resource()

	result := c.detector.Infer(recent, anomaly.ResourceScalars{
		CPU:     resource.CPUPercent / 100,
		Memory:  resource.MemoryPercent / 100,
		Threads: float64(resource.NumThreads) / 256,
	})

	riskScore := risk.Score(recent, resource, result.Score)

	explanation := result.Explanation
	if explanation == "" && riskScore >= c.cfg.RiskThreshold {
		explanation = fmt.Sprintf("high risk score: %.1f", riskScore)
	}

	c.gate.EvaluateRisk(rec.Pid, rec.Name, riskScore, result.Score,
		c.cfg.RiskThreshold, anomalyAlertThreshold, rec.Excluded, patternFired, recent, resource,
		explanation, c.logWarmupEnd)
}

// anomalyAlertThreshold is the anomaly score at which ML_ANOMALY alerts
// are eligible to fire, independent of the configurable risk threshold.
const anomalyAlertThreshold = 70.0

// handleNetworkEvent runs connection-pattern analysis for a network-origin
// event and reports whether any verdict fired for it, so the caller can fold
// the connection risk bonus into this same event's risk-gate evaluation.
func (c *Core) handleNetworkEvent(evt syscallevent.Event, rec *tracker.Record) bool {
	destIP := "0.0.0.0"
	destPort := 0
	if evt.Net != nil {
		destIP = evt.Net.DestIP
		destPort = evt.Net.DestPort
	}
	if destPort == 0 {
		destPort = c.synthesizePort(rec.Pid, destIP, time.Unix(int64(evt.Timestamp), 0))
	}
	if destPort == 0 {
		return false
	}

	fired := false

	verdict := c.analyzer.Analyze(rec.Pid, destIP, destPort, evt.Timestamp, rec.Name)
	if verdict != nil {
		fired = true
		c.gate.EvaluatePattern(rec.Name, rec.Excluded, verdict, rec.RecentSyscalls(recentSyscallView),
			rec.Resource(), c.logWarmupEnd)
	}

	if sent, received := evt.Aux["bytes_sent"], evt.Aux["bytes_received"]; sent != "" || received != "" {
		bs := parseByteCount(sent)
		br := parseByteCount(received)
		if v := c.analyzer.TrackDataTransfer(rec.Pid, bs, br); v != nil {
			fired = true
			c.gate.EvaluatePattern(rec.Name, rec.Excluded, v, rec.RecentSyscalls(recentSyscallView),
				rec.Resource(), c.logWarmupEnd)
		}
	}

	return fired
}

func parseByteCount(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// synthesizePort fills in a destination port when the collector could not
// supply a real one. The first connections to a destination get a stable
// port (so the beacon detector's exact-destination grouping can see
// repetition); once connections start arriving closer together than
// beaconSpacingGate, the port starts varying by connection index (so the
// port-scan detector can see distinct ports). The hash is an
// implementation detail; only same-input-same-output is guaranteed.
func (c *Core) synthesizePort(pid int, destIP string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.portState[pid]
	if !ok {
		st = &portTracker{}
		c.portState[pid] = st
	}

	st.count++
	defer func() { st.lastTime = now }()

	if !st.lastTime.IsZero() && st.count >= 3 {
		interval := now.Sub(st.lastTime)
		if interval >= beaconSpacingGate {
			// Spaced-out connections: hold the port steady so the beacon
			// detector's exact-destination grouping sees repetition.
			return st.lastPort
		}
		port := syntheticPort(fmt.Sprintf("%d_%s_%d", pid, destIP, st.count))
		st.lastPort = port
		return port
	}

	port := syntheticPort(fmt.Sprintf("%d_%s", pid, destIP))
	st.lastPort = port
	return port
}

func syntheticPort(seed string) int {
	sum := md5.Sum([]byte(seed))
	h := binary.BigEndian.Uint32(sum[:4])
	return syntheticPortBase + int(h%syntheticPortSpan)
}

func (c *Core) logWarmupEnd() {
	c.logger.Info("warm-up period ended, detections now active")
}

func (c *Core) onAlert(a alertgate.Alert) {
	c.mu.Lock()
	c.lastAlertAt = a.Timestamp
	c.mu.Unlock()

	c.logger.Warn("alert",
		slog.Int("pid", a.Pid),
		slog.String("name", a.Name),
		slog.String("class", a.Class),
		slog.Float64("risk", a.Risk),
		slog.Float64("anomaly_score", a.AnomalyScore),
		slog.String("explanation", a.Explanation),
	)

	if c.auditTrail != nil {
		if _, err := c.auditTrail.AppendAlert(a); err != nil {
			c.logger.Warn("failed to append alert to audit trail", slog.Any("error", err))
		}
	}

	if c.exp != nil {
		if err := c.exp.Export(context.Background(), a); err != nil {
			c.logger.Warn("failed to queue alert for export", slog.Any("error", err))
		}
	}
}

func (c *Core) onResponseNeeded(pid int, name string, riskScore, anomalyScore float64, reason string) alertgate.ResponseAction {
	if c.responseExecutor == nil {
		return alertgate.ActionNone
	}
	return c.responseExecutor.Handle(pid, name, riskScore, anomalyScore, reason)
}

func (c *Core) snapshotLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeSnapshot()
		}
	}
}

func (c *Core) writeSnapshot() {
	records := c.tracker.Snapshot()
	views := make([]snapshot.ProcessSnapshot, 0, len(records))
	var totalSyscalls int64
	for _, r := range records {
		recent := r.RecentSyscalls(recentSyscallView)
		resource := r.Resource()
		result := c.detector.Infer(recent, anomaly.ResourceScalars{
			CPU:     resource.CPUPercent / 100,
			Memory:  resource.MemoryPercent / 100,
			Threads: float64(resource.NumThreads) / 256,
		})
		riskScore := risk.Score(recent, resource, result.Score)
		totalSyscalls += r.SyscallCount

		views = append(views, snapshot.ProcessSnapshot{
			Pid:            r.Pid,
			Name:           r.Name,
			Excluded:       r.Excluded,
			Risk:           riskScore,
			AnomalyScore:   result.Score,
			TotalSyscalls:  r.SyscallCount,
			RecentSyscalls: r.RecentSyscalls(10),
			LastSeen:       r.LastSeen,
		})
	}

	state := c.snapshotBuilder.Build(views, c.gate.InWarmup(), c.gate.Counters())
	state.Stats.TotalSyscalls = totalSyscalls

	if err := c.snapshotWriter.Write(state); err != nil {
		c.logger.Warn("failed to write snapshot", slog.Any("error", err))
	}
	if c.snapshotSink != nil {
		c.snapshotSink.SetSnapshot(state)
	}
}

func (c *Core) reapLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-inactiveCutoff)
			evicted := c.tracker.EvictInactive(cutoff)
			if len(evicted) > 0 {
				c.logger.Debug("reaped inactive processes", slog.Int("count", len(evicted)))
			}
			c.mu.Lock()
			for _, pid := range evicted {
				delete(c.portState, pid)
				c.analyzer.ResetProcess(pid)
			}
			c.mu.Unlock()
		}
	}
}

// fallbackSnapshotPath builds the snapshot writer's secondary path under the
// invoking user's cache directory, so a primary-path failure on a read-only
// or multi-user filesystem still has somewhere private to land.
func fallbackSnapshotPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sentinel", "security_agent_state.json")
}

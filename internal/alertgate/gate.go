// Package alertgate applies the three cross-cutting policies that stand
// between a raw detection and a published Alert: warm-up suppression,
// process exclusion, and per-pid per-class cooldowns. It also owns the
// optional response hook.
package alertgate

import (
	"strings"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/connpattern"
	"github.com/tripwire/sentinel/internal/risk"
)

// Class tags identify the kind of alert.
const (
	ClassHighRisk          = "HIGH_RISK"
	ClassMLAnomaly         = "ML_ANOMALY"
	ClassC2Beaconing       = "C2_BEACONING"
	ClassPortScanning      = "PORT_SCANNING"
	ClassDataExfiltration  = "DATA_EXFILTRATION"
)

// cooldowns by alert class, per spec default tuning.
var defaultCooldowns = map[string]time.Duration{
	ClassHighRisk:         120 * time.Second,
	ClassMLAnomaly:        5 * time.Second,
	ClassC2Beaconing:      0,
	ClassPortScanning:     0,
	ClassDataExfiltration: 0,
}

// Alert is the fully-formed record ready for audit logging, export, and
// optional response dispatch.
type Alert struct {
	Timestamp       time.Time
	Pid             int
	Name            string
	Class           string
	Risk            float64
	AnomalyScore    float64
	Explanation     string
	RecentSyscalls  []string
	Resource        risk.ResourceSnapshot
	Destination     string
	PatternVerdict  *connpattern.Verdict
}

// ResponseAction is the action tag a response handler returns.
type ResponseAction string

const (
	ActionNone     ResponseAction = "none"
	ActionWarn     ResponseAction = "warn"
	ActionFreeze   ResponseAction = "freeze"
	ActionIsolate  ResponseAction = "isolate"
	ActionKill     ResponseAction = "kill"
)

// ResponseHandler decides what to do about a qualifying alert. It is
// invoked only when responses are enabled.
type ResponseHandler func(pid int, name string, riskScore, anomalyScore float64, reason string) ResponseAction

// Config holds the gate's tunable policy knobs.
type Config struct {
	WarmupPeriod time.Duration
	Excluded     []string

	EnableResponses bool
	WarnThreshold   float64
	FreezeThreshold float64
	IsolateThreshold float64
	KillThreshold   float64

	Cooldowns map[string]time.Duration
}

// DefaultConfig returns the gate's validated default thresholds.
func DefaultConfig() Config {
	cooldowns := make(map[string]time.Duration, len(defaultCooldowns))
	for k, v := range defaultCooldowns {
		cooldowns[k] = v
	}
	return Config{
		WarmupPeriod:     180 * time.Second,
		WarnThreshold:    70,
		FreezeThreshold:  85,
		IsolateThreshold: 90,
		KillThreshold:    95,
		Cooldowns:        cooldowns,
	}
}

// Counters tracks the suppressed-during-warmup counts the snapshot writer
// reads. During warm-up all four stay at zero regardless of what would
// otherwise have fired.
type Counters struct {
	HighRisk    int64
	Anomalies   int64
	C2Beacons   int64
	PortScans   int64
}

type cooldownKey struct {
	pid   int
	class string
}

// Gate is the stateful cross-cutting alert policy engine.
type Gate struct {
	cfg Config

	startTime time.Time
	now       func() time.Time

	mu            sync.Mutex
	lastEmitted   map[cooldownKey]time.Time
	counters      Counters
	warmupLogged  bool

	response ResponseHandler
	onAlert  func(Alert)
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithResponseHandler attaches the response hook invoked for qualifying
// alerts when responses are enabled in Config.
func WithResponseHandler(h ResponseHandler) Option {
	return func(g *Gate) { g.response = h }
}

// WithAlertSink registers a callback invoked synchronously for every alert
// that clears all three policies — the orchestrator wires this to audit
// logging and export. An emitted alert does not trigger an early snapshot;
// the snapshot writer publishes only on its own ticker.
func WithAlertSink(sink func(Alert)) Option {
	return func(g *Gate) { g.onAlert = sink }
}

// New constructs a Gate. The warm-up window starts at the gate clock's
// reading when New runs; the callback that logs its end is passed to
// EvaluateRisk and EvaluatePattern.
func New(cfg Config, opts ...Option) *Gate {
	g := &Gate{
		cfg:         cfg,
		now:         time.Now,
		lastEmitted: make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.startTime = g.now()
	return g
}

// InWarmup reports whether the gate is still inside its warm-up window.
func (g *Gate) InWarmup() bool {
	return g.now().Sub(g.startTime) < g.cfg.WarmupPeriod
}

// Counters returns a copy of the current suppressed-during-warmup counters.
func (g *Gate) Counters() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters
}

// WarmupLogFunc is invoked exactly once, when the gate transitions out of
// warm-up, so the orchestrator can log it.
type WarmupLogFunc func()

// checkWarmupTransitionLocked logs the warm-up-end event exactly once. Must be
// called with g.mu held.
func (g *Gate) checkWarmupTransitionLocked(onWarmupEnd WarmupLogFunc) {
	if g.warmupLogged || g.InWarmup() {
		return
	}
	g.warmupLogged = true
	if onWarmupEnd != nil {
		onWarmupEnd()
	}
}

// isExcluded applies the gate-level exclusion check: case-insensitive,
// bidirectional substring, independent of whatever the tracker already
// decided, so the gate remains correct even if wired to a future collector
// that bypasses the tracker's own check.
func (g *Gate) isExcluded(name string) bool {
	lowerName := strings.ToLower(name)
	for _, entry := range g.cfg.Excluded {
		lowerEntry := strings.ToLower(strings.TrimSpace(entry))
		if lowerEntry == "" {
			continue
		}
		if strings.Contains(lowerName, lowerEntry) || strings.Contains(lowerEntry, lowerName) {
			return true
		}
	}
	return false
}

func (g *Gate) cooldownFor(class string) time.Duration {
	if d, ok := g.cfg.Cooldowns[class]; ok {
		return d
	}
	return 0
}

// connectionRiskBonus is added to a process's risk score, inside the gate,
// for any event where the connection-pattern analyzer also fired a verdict.
// It is not part of the scorer's own output.
const connectionRiskBonus = 30.0

// EvaluateRisk runs the high-risk and ML-anomaly policies for one process
// observation. patternFired reports whether the connection-pattern analyzer
// also produced a verdict for this same event; when true, connectionRiskBonus
// is folded into riskScore before either threshold is checked, and the
// bonus-adjusted score is what ends up on the emitted Alert. It returns the
// emitted Alert, or nil if suppressed by exclusion, warm-up, or cooldown.
func (g *Gate) EvaluateRisk(pid int, name string, riskScore, anomalyScore, riskThreshold, anomalyThreshold float64, excluded bool, patternFired bool, recentSyscalls []string, res risk.ResourceSnapshot, explanation string, onWarmupEnd WarmupLogFunc) *Alert {
	if excluded || g.isExcluded(name) {
		return nil
	}

	if patternFired {
		riskScore += connectionRiskBonus
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkWarmupTransitionLocked(onWarmupEnd)

	inWarmup := g.InWarmup()

	var fired *Alert
	now := g.now()

	if riskScore >= riskThreshold {
		if inWarmup {
			// counters held at zero during warm-up
		} else if g.allowedLocked(pid, ClassHighRisk, now) {
			g.counters.HighRisk++
			fired = &Alert{
				Timestamp: now, Pid: pid, Name: name, Class: ClassHighRisk,
				Risk: riskScore, AnomalyScore: anomalyScore, Explanation: explanation,
				RecentSyscalls: lastN(recentSyscalls, 10), Resource: res,
			}
			g.lastEmitted[cooldownKey{pid, ClassHighRisk}] = now
		}
	}

	if fired == nil && anomalyScore >= anomalyThreshold {
		if inWarmup {
			// counters held at zero during warm-up
		} else if g.allowedLocked(pid, ClassMLAnomaly, now) {
			g.counters.Anomalies++
			fired = &Alert{
				Timestamp: now, Pid: pid, Name: name, Class: ClassMLAnomaly,
				Risk: riskScore, AnomalyScore: anomalyScore, Explanation: explanation,
				RecentSyscalls: lastN(recentSyscalls, 10), Resource: res,
			}
			g.lastEmitted[cooldownKey{pid, ClassMLAnomaly}] = now
		}
	}

	if fired != nil {
		g.dispatchLocked(*fired)
	}
	return fired
}

// EvaluatePattern applies warm-up and exclusion to a connection-pattern
// verdict and, if it clears both, emits the corresponding Alert. Pattern
// verdicts bypass cooldown — each detection is its own counted insertion —
// but still respect exclusion and warm-up.
func (g *Gate) EvaluatePattern(name string, excluded bool, v *connpattern.Verdict, recentSyscalls []string, res risk.ResourceSnapshot, onWarmupEnd WarmupLogFunc) *Alert {
	if v == nil || excluded || g.isExcluded(name) {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkWarmupTransitionLocked(onWarmupEnd)

	if g.InWarmup() {
		return nil
	}

	class := classForPattern(v.Type)
	switch class {
	case ClassC2Beaconing:
		g.counters.C2Beacons++
	case ClassPortScanning:
		g.counters.PortScans++
	}

	now := g.now()
	alert := Alert{
		Timestamp: now, Pid: v.Pid, Name: name, Class: class,
		Risk: v.RiskScore, Explanation: v.Explanation,
		RecentSyscalls: lastN(recentSyscalls, 10), Resource: res,
		Destination: v.Destination, PatternVerdict: v,
	}
	g.dispatchLocked(alert)
	return &alert
}

func classForPattern(verdictType string) string {
	switch verdictType {
	case connpattern.TypeC2Beaconing:
		return ClassC2Beaconing
	case connpattern.TypePortScanning:
		return ClassPortScanning
	case connpattern.TypeDataExfiltration:
		return ClassDataExfiltration
	default:
		return verdictType
	}
}

// allowedLocked reports whether class may fire again for pid given the
// configured cooldown. Must be called with g.mu held.
func (g *Gate) allowedLocked(pid int, class string, now time.Time) bool {
	last, ok := g.lastEmitted[cooldownKey{pid, class}]
	if !ok {
		return true
	}
	return now.Sub(last) >= g.cooldownFor(class)
}

// dispatchLocked forwards the alert to the sink and, if responses are
// enabled, invokes the response handler. Must be called with g.mu held;
// the sink and handler are expected to be fast and non-reentrant into the
// gate.
func (g *Gate) dispatchLocked(a Alert) {
	if g.onAlert != nil {
		g.onAlert(a)
	}
	if g.cfg.EnableResponses && g.response != nil {
		g.response(a.Pid, a.Name, a.Risk, a.AnomalyScore, a.Explanation)
	}
}

func lastN(xs []string, n int) []string {
	if len(xs) <= n {
		out := make([]string, len(xs))
		copy(out, xs)
		return out
	}
	out := make([]string, n)
	copy(out, xs[len(xs)-n:])
	return out
}

// Package snapshot builds and atomically persists a read-consistent view of
// the tracked process population to a JSON file for external tooling (ops
// dashboards, the ops HTTP surface) to read without touching the live
// detection state.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
)

// activeWindow is how recently a process must have been seen to count as
// active in the snapshot's derived stats.
const activeWindow = 60 * time.Second

// recentDetectionWindow bounds how far back c2/port-scan detection
// timestamps count toward the snapshot's recent-activity counters.
const recentDetectionWindow = 300 * time.Second

// anomalyActiveThreshold is the minimum anomaly score for an active process
// to count toward the snapshot's "anomalies" stat.
const anomalyActiveThreshold = 60.0

// maxProcessesInSnapshot caps how many per-process entries are serialized,
// sorted by risk descending, so the file stays bounded under a process
// storm.
const maxProcessesInSnapshot = 50

// ProcessView is one process's externally visible state.
type ProcessView struct {
	Pid               int      `json:"pid"`
	Name              string   `json:"name"`
	RiskScore         float64  `json:"risk_score"`
	AnomalyScore      float64  `json:"anomaly_score"`
	TotalSyscalls     int64    `json:"total_syscalls"`
	SyscallCount      int64    `json:"syscall_count"`
	RecentSyscalls    []string `json:"recent_syscalls"`
	RecentSyscallsStr string   `json:"recent_syscalls_str"`
	LastUpdate        float64  `json:"last_update"`
	TimeSinceUpdate   float64  `json:"time_since_update"`
}

// Stats are the derived, aggregate counters published alongside the
// per-process list.
type Stats struct {
	TotalProcesses int `json:"total_processes"`
	HighRisk       int `json:"high_risk"`
	Anomalies      int `json:"anomalies"`
	TotalSyscalls  int64 `json:"total_syscalls"`
	C2Beacons      int `json:"c2_beacons"`
	PortScans      int `json:"port_scans"`
}

// State is the full JSON schema written to disk. Timestamp is seconds since
// the Unix epoch, matching the dashboard's expected numeric wire format.
type State struct {
	Timestamp float64       `json:"timestamp"`
	Stats     Stats         `json:"stats"`
	Processes []ProcessView `json:"processes"`
}

// Builder assembles a State from the current tracker and gate views.
type Builder struct {
	RiskThreshold float64
	now           func() time.Time
}

// NewBuilder constructs a Builder with the given risk threshold.
func NewBuilder(riskThreshold float64) *Builder {
	return &Builder{RiskThreshold: riskThreshold, now: time.Now}
}

// ProcessSnapshot is a plain-data input row the orchestrator assembles per
// process before calling Build, decoupling this package from the tracker's
// concrete Record type. TotalSyscalls is the process's lifetime syscall
// count; RecentSyscalls is its bounded retained history (displayed as the
// last 10 in the published view).
type ProcessSnapshot struct {
	Pid            int
	Name           string
	Excluded       bool
	Risk           float64
	AnomalyScore   float64
	TotalSyscalls  int64
	RecentSyscalls []string
	LastSeen       time.Time
}

// Build computes the derived Stats and filtered/sorted process list. During
// warm-up, counters holds the alert gate's suppressed-at-zero counts so
// high_risk/anomalies/c2_beacons/port_scans are forced to zero, matching
// the alert gate's own suppression.
func (b *Builder) Build(processes []ProcessSnapshot, inWarmup bool, counters alertgate.Counters) State {
	now := b.now()

	var (
		active        int
		highRisk      int
		anomalies     int
		totalSyscalls int64
	)

	visible := make([]ProcessView, 0, len(processes))
	for _, p := range processes {
		if p.Excluded {
			continue
		}
		totalSyscalls += p.TotalSyscalls

		isActive := now.Sub(p.LastSeen) <= activeWindow
		if isActive {
			active++
			if p.Risk >= b.RiskThreshold {
				highRisk++
			}
			if p.AnomalyScore >= anomalyActiveThreshold {
				anomalies++
			}
		}

		recent := append([]string(nil), p.RecentSyscalls...)
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}

		visible = append(visible, ProcessView{
			Pid: p.Pid, Name: p.Name, RiskScore: p.Risk, AnomalyScore: p.AnomalyScore,
			TotalSyscalls:     p.TotalSyscalls,
			SyscallCount:      int64(len(p.RecentSyscalls)),
			RecentSyscalls:    recent,
			RecentSyscallsStr: strings.Join(recent, ", "),
			LastUpdate:        float64(p.LastSeen.UnixNano()) / 1e9,
			TimeSinceUpdate:   now.Sub(p.LastSeen).Seconds(),
		})
	}

	sort.Slice(visible, func(i, j int) bool { return visible[i].RiskScore > visible[j].RiskScore })
	if len(visible) > maxProcessesInSnapshot {
		visible = visible[:maxProcessesInSnapshot]
	}

	stats := Stats{
		TotalProcesses: len(processes),
		TotalSyscalls:  totalSyscalls,
	}
	if inWarmup {
		stats.HighRisk, stats.Anomalies, stats.C2Beacons, stats.PortScans = 0, 0, 0, 0
	} else {
		stats.HighRisk = highRisk
		stats.Anomalies = anomalies
		stats.C2Beacons = int(counters.C2Beacons)
		stats.PortScans = int(counters.PortScans)
	}

	return State{
		Timestamp: float64(now.UnixNano()) / 1e9,
		Stats:     stats,
		Processes: visible,
	}
}

// Writer atomically persists State to a primary path, falling back to a
// secondary path on failure. A write failure at both paths is reported to
// the caller for logging but must never stop detection — the snapshot is
// not a source of truth.
type Writer struct {
	PrimaryPath   string
	FallbackPath  string
}

// NewWriter constructs a Writer with the given primary and fallback paths.
func NewWriter(primaryPath, fallbackPath string) *Writer {
	return &Writer{PrimaryPath: primaryPath, FallbackPath: fallbackPath}
}

// Write serializes state to JSON and writes it atomically via a temp file
// plus rename. On a primary-path failure it retries at FallbackPath; if
// both fail, the last error is returned.
func (w *Writer) Write(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	if err := atomicWrite(w.PrimaryPath, data); err != nil {
		if w.FallbackPath == "" {
			return fmt.Errorf("snapshot: write %q: %w", w.PrimaryPath, err)
		}
		if ferr := atomicWrite(w.FallbackPath, data); ferr != nil {
			return fmt.Errorf("snapshot: write primary %q: %v; fallback %q: %w", w.PrimaryPath, err, w.FallbackPath, ferr)
		}
	}
	return nil
}

// atomicWrite writes data to a temp file in path's directory, chmods it to
// 0644, and renames it over path. The rename is atomic on the same
// filesystem, so readers never observe a partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

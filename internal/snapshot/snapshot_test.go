package snapshot_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
	"github.com/tripwire/sentinel/internal/snapshot"
)

func TestBuildExcludesExcludedProcesses(t *testing.T) {
	b := snapshot.NewBuilder(30)
	procs := []snapshot.ProcessSnapshot{
		{Pid: 1, Name: "app", Risk: 10, LastSeen: time.Now(), Excluded: false},
		{Pid: 2, Name: "self", Risk: 90, LastSeen: time.Now(), Excluded: true},
	}
	state := b.Build(procs, false, alertgate.Counters{})
	if len(state.Processes) != 1 {
		t.Fatalf("expected 1 visible process, got %d", len(state.Processes))
	}
	if state.Stats.TotalProcesses != 2 {
		t.Fatalf("TotalProcesses = %d, want 2 (includes excluded)", state.Stats.TotalProcesses)
	}
}

func TestBuildCountsHighRiskOnlyAmongActive(t *testing.T) {
	b := snapshot.NewBuilder(30)
	procs := []snapshot.ProcessSnapshot{
		{Pid: 1, Name: "active-high", Risk: 90, LastSeen: time.Now()},
		{Pid: 2, Name: "stale-high", Risk: 95, LastSeen: time.Now().Add(-2 * time.Hour)},
	}
	state := b.Build(procs, false, alertgate.Counters{})
	if state.Stats.HighRisk != 1 {
		t.Fatalf("HighRisk = %d, want 1 (stale process excluded)", state.Stats.HighRisk)
	}
}

func TestBuildForcesCountersToZeroDuringWarmup(t *testing.T) {
	b := snapshot.NewBuilder(30)
	procs := []snapshot.ProcessSnapshot{
		{Pid: 1, Name: "active-high", Risk: 99, AnomalyScore: 99, LastSeen: time.Now()},
	}
	state := b.Build(procs, true, alertgate.Counters{C2Beacons: 3, PortScans: 2})
	if state.Stats.HighRisk != 0 || state.Stats.Anomalies != 0 || state.Stats.C2Beacons != 0 || state.Stats.PortScans != 0 {
		t.Fatalf("expected all four counters zero during warm-up, got %+v", state.Stats)
	}
}

func TestBuildSortsByRiskDescendingAndCaps(t *testing.T) {
	b := snapshot.NewBuilder(30)
	var procs []snapshot.ProcessSnapshot
	for i := 0; i < 60; i++ {
		procs = append(procs, snapshot.ProcessSnapshot{Pid: i, Name: "p", Risk: float64(i), LastSeen: time.Now()})
	}
	state := b.Build(procs, false, alertgate.Counters{})
	if len(state.Processes) != 50 {
		t.Fatalf("expected snapshot capped at 50 processes, got %d", len(state.Processes))
	}
	if state.Processes[0].RiskScore < state.Processes[1].RiskScore {
		t.Fatal("expected processes sorted by risk descending")
	}
}

func TestBuildPopulatesPerProcessSyscallAndTimingFields(t *testing.T) {
	b := snapshot.NewBuilder(30)
	lastSeen := time.Now().Add(-5 * time.Second)
	procs := []snapshot.ProcessSnapshot{
		{
			Pid: 1, Name: "app", Risk: 50, AnomalyScore: 10,
			TotalSyscalls:  237,
			RecentSyscalls: []string{"open", "read", "write", "close"},
			LastSeen:       lastSeen,
		},
	}
	state := b.Build(procs, false, alertgate.Counters{})
	if len(state.Processes) != 1 {
		t.Fatalf("expected 1 visible process, got %d", len(state.Processes))
	}
	view := state.Processes[0]
	if view.TotalSyscalls != 237 {
		t.Fatalf("TotalSyscalls = %d, want 237", view.TotalSyscalls)
	}
	if view.SyscallCount != 4 {
		t.Fatalf("SyscallCount = %d, want 4 (retained syscall count)", view.SyscallCount)
	}
	wantStr := "open, read, write, close"
	if view.RecentSyscallsStr != wantStr {
		t.Fatalf("RecentSyscallsStr = %q, want %q", view.RecentSyscallsStr, wantStr)
	}
	if len(view.RecentSyscalls) != 4 || view.RecentSyscalls[0] != "open" {
		t.Fatalf("RecentSyscalls = %v, want [open read write close]", view.RecentSyscalls)
	}
	if view.LastUpdate <= 0 {
		t.Fatalf("LastUpdate = %v, want a positive epoch-seconds value", view.LastUpdate)
	}
	if view.TimeSinceUpdate < 4 || view.TimeSinceUpdate > 10 {
		t.Fatalf("TimeSinceUpdate = %v, want roughly 5", view.TimeSinceUpdate)
	}
}

func TestWriterWritesAtomicallyAndIsReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := snapshot.NewWriter(path, "")

	state := snapshot.State{Timestamp: 1767225600}
	if err := w.Write(state); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got snapshot.State
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Timestamp != state.Timestamp {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, state.Timestamp)
	}
}

func TestWriterFallsBackOnPrimaryFailure(t *testing.T) {
	// Primary path under a file (not a directory) so os.MkdirAll/write fails.
	badParent := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(badParent, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	primary := filepath.Join(badParent, "state.json")
	fallback := filepath.Join(t.TempDir(), "fallback.json")

	w := snapshot.NewWriter(primary, fallback)
	if err := w.Write(snapshot.State{Timestamp: 1767225600}); err != nil {
		t.Fatalf("expected fallback write to succeed, got: %v", err)
	}
	if _, err := os.Stat(fallback); err != nil {
		t.Fatalf("expected fallback file to exist: %v", err)
	}
}

// Package tracker maintains the per-process behavioral view that the risk
// scorer, anomaly detector, and snapshot writer all read from: a bounded
// recent-syscall history, cumulative counts, resource snapshot, and the
// excluded/self-pid classification.
package tracker

import (
	"strings"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/nameresolve"
	"github.com/tripwire/sentinel/internal/risk"
	"github.com/tripwire/sentinel/internal/ringbuf"
	"github.com/tripwire/sentinel/internal/syscallevent"
)

// syscallHistoryCap bounds the per-process recent-syscall ring.
const syscallHistoryCap = 100

// Record is one process's tracked behavioral state. All reads/mutations go
// through Tracker's methods; callers must not access fields concurrently
// without it.
type Record struct {
	Pid          int
	Name         string
	Exe          string
	UID          int
	Excluded     bool
	FirstSeen    time.Time
	LastSeen     time.Time
	SyscallCount int64

	syscalls *ringbuf.Buffer[string]
	resource risk.ResourceSnapshot
}

// RecentSyscalls returns up to the last n recent syscalls, oldest first.
func (r *Record) RecentSyscalls(n int) []string {
	return r.syscalls.Last(n)
}

// AllSyscalls returns the full retained syscall history, oldest first.
func (r *Record) AllSyscalls() []string {
	return r.syscalls.Items()
}

// Resource returns the process's last-recorded resource snapshot.
func (r *Record) Resource() risk.ResourceSnapshot {
	return r.resource
}

// Tracker owns the full process table behind a single mutex, following the
// orchestrator's one-owning-lock discipline: every externally visible
// mutation is O(1) under the lock, and longer-running work (name
// resolution's /proc reads) happens before the lock is taken.
type Tracker struct {
	mu        sync.Mutex
	processes map[int]*Record
	resolver  *nameresolve.Resolver
	selfPid   int
	excluded  []string
	now       func() time.Time
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New constructs a Tracker. selfPid is unconditionally excluded regardless
// of its resolved name. excludedProcesses is the configured exclusion list,
// matched case-insensitively and bidirectionally as a substring.
func New(selfPid int, excludedProcesses []string, opts ...Option) *Tracker {
	t := &Tracker{
		processes: make(map[int]*Record),
		resolver:  nameresolve.New(),
		selfPid:   selfPid,
		excluded:  append([]string(nil), excludedProcesses...),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ingest records one syscall event: it resolves the process name, creates
// the record on first sight, appends the syscall to the bounded history,
// bumps the cumulative count, and updates the last-seen timestamp. It
// returns the updated record and whether the process is excluded.
func (t *Tracker) Ingest(evt syscallevent.Event) (*Record, bool) {
	name := t.resolver.Resolve(evt.Pid, evt.Comm, evt.Exe)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.processes[evt.Pid]
	if !ok {
		rec = &Record{
			Pid:       evt.Pid,
			Name:      name,
			Exe:       evt.Exe,
			UID:       evt.UID,
			FirstSeen: now,
			syscalls:  ringbuf.New[string](syscallHistoryCap),
		}
		rec.Excluded = t.isExcluded(evt.Pid, name, evt.Exe)
		t.processes[evt.Pid] = rec
	} else {
		rec.Name = name
		if evt.Exe != "" {
			rec.Exe = evt.Exe
		}
	}

	rec.syscalls.Push(evt.Syscall)
	rec.SyscallCount++
	rec.LastSeen = now

	return rec, rec.Excluded
}

// UpdateResource records the latest resource snapshot for pid, creating no
// record if pid is unknown (resource samples arrive independently of
// syscall events and must never fabricate a process).
func (t *Tracker) UpdateResource(pid int, res risk.ResourceSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.processes[pid]; ok {
		rec.resource = res
	}
}

// Get returns the record for pid, if tracked.
func (t *Tracker) Get(pid int) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processes[pid], t.processes[pid] != nil
}

// Snapshot returns a point-in-time copy of every tracked record's pointer.
// Records themselves are still owned by the tracker; callers must not
// mutate them.
func (t *Tracker) Snapshot() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.processes))
	for _, rec := range t.processes {
		out = append(out, rec)
	}
	return out
}

// Evict removes a process's tracked state, called by the reaper once a
// process has been inactive past the retention window.
func (t *Tracker) Evict(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, pid)
}

// EvictInactive removes every record whose LastSeen is older than cutoff
// and returns the evicted pids.
func (t *Tracker) EvictInactive(cutoff time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []int
	for pid, rec := range t.processes {
		if rec.LastSeen.Before(cutoff) {
			delete(t.processes, pid)
			evicted = append(evicted, pid)
		}
	}
	return evicted
}

// isExcluded implements the exclusion policy: the self pid is unconditional;
// otherwise a case-insensitive bidirectional-substring match against the
// configured exclusion list, with an override that a process named "sudo"
// whose exe path contains "python" is never excluded on that basis.
func (t *Tracker) isExcluded(pid int, name, exe string) bool {
	if pid == t.selfPid {
		return true
	}

	lowerName := strings.ToLower(name)
	if lowerName == "sudo" && strings.Contains(strings.ToLower(exe), "python") {
		return false
	}

	for _, entry := range t.excluded {
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

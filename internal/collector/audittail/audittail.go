// Package audittail implements the audittail collector: it tails a growing
// audit log file (e.g. auditd's JSON-lines output) and parses each new line
// into a syscallevent.Event. Unlike kernelprobe it needs no special
// privilege beyond read access to the log file, at the cost of the delay
// between a syscall occurring and auditd flushing its record.
package audittail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tripwire/sentinel/internal/collector"
	"github.com/tripwire/sentinel/internal/syscallevent"
)

func init() {
	collector.RegisterFactory("audittail", newCollector)
}

const defaultBufferSize = 256

// record is the JSON-lines schema this collector expects the audit log to
// contain: one object per syscall event.
type record struct {
	Pid       int     `json:"pid"`
	Syscall   string  `json:"syscall"`
	UID       int     `json:"uid"`
	Comm      string  `json:"comm"`
	Exe       string  `json:"exe"`
	Timestamp float64 `json:"timestamp"`
	DestIP    string  `json:"dest_ip,omitempty"`
	DestPort  int     `json:"dest_port,omitempty"`
}

// Collector tails AuditLogPath, emitting one syscallevent.Event per valid
// JSON line appended after Start. It is safe for concurrent use.
type Collector struct {
	path   string
	logger *slog.Logger
	events chan syscallevent.Event

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newCollector(opts collector.Options) (collector.Collector, error) {
	if opts.AuditLogPath == "" {
		return nil, fmt.Errorf("audittail: AuditLogPath is required")
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Collector{
		path:   opts.AuditLogPath,
		logger: slog.Default(),
		events: make(chan syscallevent.Event, bufSize),
	}, nil
}

func (c *Collector) Events() <-chan syscallevent.Event { return c.events }

// Start begins watching Path for writes and tailing new lines. It seeks to
// the current end of the file so only lines written after Start are
// delivered. Calling Start on an already-running collector is a no-op.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("audittail: open %q: %w", c.path, err)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("audittail: seek %q: %w", c.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return fmt.Errorf("audittail: create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		f.Close()
		watcher.Close()
		return fmt.Errorf("audittail: watch %q: %w", c.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.tailLoop(ctx, f, watcher)

	c.logger.Info("audittail collector started", slog.String("path", c.path))
	return nil
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.cancel = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		close(c.events)
		c.logger.Info("audittail collector stopped")
	})
}

// tailLoop reads newly appended lines whenever fsnotify reports a write,
// and also polls on a short ticker to catch writes fsnotify coalesces or
// misses on some filesystems.
func (c *Collector) tailLoop(ctx context.Context, f *os.File, watcher *fsnotify.Watcher) {
	defer c.wg.Done()
	defer f.Close()
	defer watcher.Close()

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	drain := func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				c.handleLine(line)
			}
			if err != nil {
				if err != io.EOF {
					c.logger.Warn("audittail: read error", slog.Any("error", err))
				}
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("audittail: fsnotify error", slog.Any("error", err))
		case <-ticker.C:
			drain()
		}
	}
}

func (c *Collector) handleLine(line string) {
	var r record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		c.logger.Warn("audittail: malformed audit record", slog.Any("error", err))
		return
	}
	if r.Syscall == "" {
		return
	}

	evt := syscallevent.Event{
		Pid: r.Pid, Syscall: r.Syscall, UID: r.UID, Comm: r.Comm, Exe: r.Exe,
		Timestamp: r.Timestamp,
	}
	if r.DestIP != "" {
		evt.Net = &syscallevent.Network{DestIP: r.DestIP, DestPort: r.DestPort}
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}

	select {
	case c.events <- evt:
	default:
		c.logger.Warn("audittail: event channel full, dropping event", slog.Int("pid", r.Pid))
	}
}

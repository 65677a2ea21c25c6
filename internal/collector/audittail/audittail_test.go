package audittail_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/collector"
	_ "github.com/tripwire/sentinel/internal/collector/audittail"
)

func writeRecord(t *testing.T, f *os.File, r map[string]any) {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestNewRequiresAuditLogPath(t *testing.T) {
	if _, err := collector.New("audittail", collector.Options{}); err == nil {
		t.Fatal("expected error when AuditLogPath is empty")
	}
}

func TestStartTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	if err := os.WriteFile(path, []byte(`{"pid":1,"syscall":"execve","comm":"old"}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := collector.New("audittail", collector.Options{AuditLogPath: path})
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen for append: %v", err)
	}
	defer f.Close()

	writeRecord(t, f, map[string]any{
		"pid": 42, "syscall": "connect", "comm": "curl",
		"dest_ip": "10.0.0.5", "dest_port": 443,
	})

	select {
	case evt := <-c.Events():
		if evt.Pid != 42 || evt.Syscall != "connect" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Net == nil || evt.Net.DestIP != "10.0.0.5" || evt.Net.DestPort != 443 {
			t.Fatalf("expected network data, got %+v", evt.Net)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tailed event")
	}
}

func TestStartOnlyDeliversLinesWrittenAfterStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	if err := os.WriteFile(path, []byte(`{"pid":1,"syscall":"execve","comm":"preexisting"}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := collector.New("audittail", collector.Options{AuditLogPath: path})
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	select {
	case evt := <-c.Events():
		t.Fatalf("did not expect pre-existing line to be delivered, got %+v", evt)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMalformedLineIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := collector.New("audittail", collector.Options{AuditLogPath: path})
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen for append: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("write garbage line: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	writeRecord(t, f, map[string]any{"pid": 7, "syscall": "openat", "comm": "cat"})

	select {
	case evt := <-c.Events():
		if evt.Pid != 7 {
			t.Fatalf("expected the valid record to follow the garbage line, got %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event after malformed line")
	}
}

func TestStopClosesEventsChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := collector.New("audittail", collector.Options{AuditLogPath: path})
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("expected channel to be closed with no pending events")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

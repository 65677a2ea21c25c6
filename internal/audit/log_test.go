package audit_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
	"github.com/tripwire/sentinel/internal/audit"
)

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

func openTrail(t *testing.T, path string) *audit.Trail {
	t.Helper()
	tr, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func sampleAlert(pid int) alertgate.Alert {
	return alertgate.Alert{
		Timestamp: time.Unix(1700000000, 0),
		Pid:       pid,
		Name:      "evil.bin",
		Class:     alertgate.ClassHighRisk,
		Risk:      92,
	}
}

func TestAppendAlertAssignsIncreasingSequence(t *testing.T) {
	tr := openTrail(t, tmpLog(t))

	seq1, err := tr.AppendAlert(sampleAlert(1))
	if err != nil {
		t.Fatalf("AppendAlert: %v", err)
	}
	seq2, err := tr.AppendAlert(sampleAlert(2))
	if err != nil {
		t.Fatalf("AppendAlert: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("sequence = %d, %d, want 1, 2", seq1, seq2)
	}
}

func TestVerifyAcceptsAnIntactChain(t *testing.T) {
	path := tmpLog(t)
	tr := openTrail(t, path)
	for i := 0; i < 5; i++ {
		if _, err := tr.AppendAlert(sampleAlert(i)); err != nil {
			t.Fatalf("AppendAlert: %v", err)
		}
	}
	tr.Close()

	count, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if count != 5 {
		t.Fatalf("Verify count = %d, want 5", count)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	path := tmpLog(t)
	tr := openTrail(t, path)
	tr.AppendAlert(sampleAlert(1))
	tr.AppendAlert(sampleAlert(2))
	tr.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := []byte(string(data)[:len(data)-2] + "X\n")
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("expected Verify to detect tampering")
	}
}

func TestOpenResumesExistingChain(t *testing.T) {
	path := tmpLog(t)
	tr := openTrail(t, path)
	tr.AppendAlert(sampleAlert(1))
	tr.Close()

	tr2, err := audit.Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer tr2.Close()

	seq, err := tr2.AppendAlert(sampleAlert(2))
	if err != nil {
		t.Fatalf("AppendAlert after reopen: %v", err)
	}
	if seq != 2 {
		t.Fatalf("seq after reopen = %d, want 2", seq)
	}
}

func TestOpenRejectsBrokenChain(t *testing.T) {
	path := tmpLog(t)
	tr := openTrail(t, path)
	tr.AppendAlert(sampleAlert(1))
	tr.Close()

	data, _ := os.ReadFile(path)
	corrupted := append([]byte(nil), data...)
	corrupted = append(corrupted, []byte(`{"seq":2,"prev_hash":"deadbeef","event_hash":"deadbeef"}`+"\n")...)
	os.WriteFile(path, corrupted, 0o600)

	if _, err := audit.Open(path); err == nil {
		t.Fatal("expected Open to reject a broken chain")
	}
}

// Package audit keeps a tamper-evident, append-only record of every
// published alert. Each entry is SHA-256 hash-chained to the one before it
// (event_hash covers the sequence number, timestamp, alert payload, and the
// prior entry's hash), so altering, splicing, or reordering past lines is
// detectable on the next Open or Verify. Dropping whole entries from the end
// of the file leaves a valid, shorter chain and is not detected.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// alertPayload is the JSON shape of one alert as recorded in the audit
// trail, independent of alertgate.Alert's in-memory layout so the on-disk
// schema does not silently change if the struct grows fields.
type alertPayload struct {
	Pid            int      `json:"pid"`
	Name           string   `json:"name"`
	Class          string   `json:"class"`
	Risk           float64  `json:"risk"`
	AnomalyScore   float64  `json:"anomaly_score"`
	Explanation    string   `json:"explanation"`
	RecentSyscalls []string `json:"recent_syscalls,omitempty"`
	Destination    string   `json:"destination,omitempty"`
}

// entry is the on-disk shape of one audit log line.
type entry struct {
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"ts"`
	Alert     alertPayload `json:"alert"`
	PrevHash  string       `json:"prev_hash"`
	EventHash string       `json:"event_hash"`
}

// chainedFields is the subset of entry that feeds the hash; it excludes
// EventHash itself, which is the digest of everything else.
type chainedFields struct {
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"ts"`
	Alert     alertPayload `json:"alert"`
	PrevHash  string       `json:"prev_hash"`
}

// Trail is a hash-chained, append-only audit log of published alerts. Open
// one with Open; do not copy after first use. Trail is safe for concurrent
// use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the audit trail at path. If the file already has
// entries, their chain is replayed and validated so appends continue
// correctly; a broken chain is reported as an error rather than silently
// restarted, since a broken chain means the file was tampered with or
// truncated.
func Open(path string) (*Trail, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024)
		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", seq, err)
			}
			computed := hashContent(chainedFields{Seq: e.Seq, Timestamp: e.Timestamp, Alert: e.Alert, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("audit: chain break at seq %d", e.Seq)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scanning existing trail %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Trail{file: f, prevHash: prevHash, seq: seq}, nil
}

// AppendAlert writes one alert to the trail and returns the committed
// sequence number.
func (t *Trail) AppendAlert(a alertgate.Alert) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	ts := a.Timestamp.UTC()
	prevHash := t.prevHash

	payload := alertPayload{
		Pid: a.Pid, Name: a.Name, Class: a.Class,
		Risk: a.Risk, AnomalyScore: a.AnomalyScore, Explanation: a.Explanation,
		RecentSyscalls: a.RecentSyscalls, Destination: a.Destination,
	}

	content := chainedFields{Seq: seq, Timestamp: ts, Alert: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Alert: payload, PrevHash: prevHash, EventHash: eventHash}
	raw, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal entry: %w", err)
	}
	raw = append(raw, '\n')

	if _, err := t.file.Write(raw); err != nil {
		return 0, fmt.Errorf("audit: write entry: %w", err)
	}

	t.seq = seq
	t.prevHash = eventHash
	return seq, nil
}

// Close flushes and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Verify replays and validates the full hash chain stored at path. An empty
// file is valid and returns zero entries.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	count := 0
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return count, fmt.Errorf("audit: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return count, fmt.Errorf("audit: chain break at seq %d", e.Seq)
		}
		computed := hashContent(chainedFields{Seq: e.Seq, Timestamp: e.Timestamp, Alert: e.Alert, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return count, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.EventHash
		count++
	}
	return count, scanner.Err()
}

func hashContent(c chainedFields) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entry content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

package persist_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tripwire/sentinel/internal/persist"
)

func openMemQueue(t *testing.T, table string) *persist.Queue {
	t.Helper()
	q, err := persist.Open(":memory:", table)
	if err != nil {
		t.Fatalf("persist.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestOpenInMemoryStartsEmpty(t *testing.T) {
	q := openMemQueue(t, "response_queue")
	if d := q.Depth(); d != 0 {
		t.Fatalf("Depth = %d after open, want 0", d)
	}
}

func TestOpenFileDBCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := persist.Open(path, "export_queue")
	if err != nil {
		t.Fatalf("persist.Open(%q): %v", path, err)
	}
	_ = q.Close()
}

func TestEnqueueIncrementsDepth(t *testing.T) {
	q := openMemQueue(t, "response_queue")
	ctx := context.Background()

	if err := q.Enqueue(ctx, `{"pid":1}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth = %d, want 1", d)
	}
}

func TestDequeueReturnsInsertionOrder(t *testing.T) {
	q := openMemQueue(t, "export_queue")
	ctx := context.Background()

	q.Enqueue(ctx, `{"seq":1}`)
	q.Enqueue(ctx, `{"seq":2}`)
	q.Enqueue(ctx, `{"seq":3}`)

	items, err := q.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Payload != `{"seq":1}` || items[1].Payload != `{"seq":2}` {
		t.Fatalf("unexpected dequeue order: %+v", items)
	}
}

func TestAckRemovesFromPendingDepth(t *testing.T) {
	q := openMemQueue(t, "response_queue")
	ctx := context.Background()

	q.Enqueue(ctx, `{"a":1}`)
	q.Enqueue(ctx, `{"a":2}`)

	items, _ := q.Dequeue(ctx, 10)
	if err := q.Ack(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth after ack = %d, want 1", d)
	}

	remaining, _ := q.Dequeue(ctx, 10)
	if len(remaining) != 1 || remaining[0].ID != items[1].ID {
		t.Fatalf("unexpected remaining items: %+v", remaining)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q := openMemQueue(t, "response_queue")
	ctx := context.Background()
	q.Enqueue(ctx, `{"a":1}`)
	items, _ := q.Dequeue(ctx, 10)

	if err := q.Ack(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("second Ack should be a no-op, got: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Fatalf("Depth = %d, want 0", d)
	}
}

func TestDequeueWithNonPositiveLimitReturnsNil(t *testing.T) {
	q := openMemQueue(t, "response_queue")
	items, err := q.Dequeue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if items != nil {
		t.Fatalf("expected nil for n<=0, got %+v", items)
	}
}

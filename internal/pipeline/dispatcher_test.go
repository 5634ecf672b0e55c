package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingHandler struct {
	mu      sync.Mutex
	order   map[string][]string
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (r *recordingHandler) Handle(ctx context.Context, in Inbound) error {
	n := r.running.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	r.running.Add(-1)

	r.mu.Lock()
	r.order[in.ChatJID] = append(r.order[in.ChatJID], in.ID)
	r.mu.Unlock()
	return nil
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher still has %d pending", d.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherKeepsChatOrder(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, delay: 5 * time.Millisecond}
	d := NewDispatcher(h, 4, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if err := d.Dispatch(Inbound{ID: id, ChatJID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, d)

	got := h.order["a"]
	want := []string{"1", "2", "3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("order = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if h.peak.Load() != 1 {
		t.Errorf("one chat ran %d handlers at once", h.peak.Load())
	}
}

func TestDispatcherBoundsWorkers(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, delay: 20 * time.Millisecond}
	d := NewDispatcher(h, 2, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	for _, chat := range []string{"a", "b", "c", "d", "e", "f"} {
		_ = d.Dispatch(Inbound{ID: chat, ChatJID: chat})
	}
	waitIdle(t, d)

	if p := h.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if len(h.order) != 6 {
		t.Errorf("handled %d chats, want 6", len(h.order))
	}
}

func TestDispatchAfterStop(t *testing.T) {
	d := NewDispatcher(&recordingHandler{order: map[string][]string{}}, 1, zap.NewNop())
	if err := d.Dispatch(Inbound{ID: "x"}); err != ErrStopped {
		t.Errorf("before Start: err = %v", err)
	}
	d.Start(context.Background())
	d.Stop()
	if err := d.Dispatch(Inbound{ID: "x"}); err != ErrStopped {
		t.Errorf("after Stop: err = %v", err)
	}
}

package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/status"
	"github.com/matheus3301/wppbot/internal/store"
	"go.uber.org/zap"
)

// mockTransport records calls and returns configurable results.
type mockTransport struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	JID      string
	Text     string
	FileName string
	Data     []byte
}

func (m *mockTransport) record(c sendCall) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("server-%d", len(m.calls)), nil
}

func (m *mockTransport) SendText(_ context.Context, jid string, text string) (string, error) {
	return m.record(sendCall{JID: jid, Text: text})
}

func (m *mockTransport) SendDocument(_ context.Context, jid string, name string, data []byte) (string, error) {
	return m.record(sendCall{JID: jid, FileName: name, Data: data})
}

func (m *mockTransport) snapshot() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFlushSendsInQueueOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockTransport{}
	s := NewSender(db, mock, nil, b, zap.NewNop())
	ctx := context.Background()

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	if _, err := s.QueueText(ctx, "chat@s", "lead-in"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueueFile(ctx, "chat@s", "a.txt", []byte("body")); err != nil {
		t.Fatal(err)
	}
	s.Flush(ctx)

	calls := mock.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d send calls, want 2", len(calls))
	}
	if calls[0].Text != "lead-in" || calls[1].FileName != "a.txt" || string(calls[1].Data) != "body" {
		t.Errorf("calls = %+v, want text then file", calls)
	}

	pending, err := db.PendingOutbox(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			if evt.Kind != bus.KindMessageSendAck {
				t.Errorf("event kind = %q, want message.send_ack", evt.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for send_ack event")
		}
	}
}

func TestSenderLoopWakesOnQueue(t *testing.T) {
	db := testDB(t)
	mock := &mockTransport{}
	s := NewSender(db, mock, nil, bus.New(), zap.NewNop())
	s.interval = time.Hour

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.QueueText(context.Background(), "chat@s", "hello"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for len(mock.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("queued message not sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if c := mock.snapshot()[0]; c.JID != "chat@s" || c.Text != "hello" {
		t.Errorf("call = %+v, want {chat@s, hello}", c)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockTransport{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, nil, b, zap.NewNop())
	ctx := context.Background()

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	id, err := s.QueueText(ctx, "chat@s", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(ctx)

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["client_msg_id"] != id {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	if status, _ := db.OutboxStatus(ctx, id); status != "failed" {
		t.Errorf("outbox status = %q, want failed", status)
	}
	rec, err := db.FindByMessageID(ctx, "chat@s", id, store.KindText)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "failed" {
		t.Errorf("record status = %q, want failed", rec.Status)
	}
}

// The reply must be in history as soon as it is queued, so a fast follow-up
// message sees it, and move to sent once delivered.
func TestSenderOptimisticRecord(t *testing.T) {
	db := testDB(t)
	mock := &mockTransport{}
	s := NewSender(db, mock, nil, bus.New(), zap.NewNop())
	ctx := context.Background()

	id, err := s.QueueText(ctx, "chat@s", "optimistic")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := db.FindByMessageID(ctx, "chat@s", id, store.KindText)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "sending" || rec.Content != "optimistic" || rec.Role != store.RoleAssistant {
		t.Errorf("record = %+v, want assistant/sending", rec)
	}

	s.Flush(ctx)

	rec, _ = db.FindByMessageID(ctx, "chat@s", id, store.KindText)
	if rec.Status != "sent" {
		t.Errorf("final status = %q, want sent", rec.Status)
	}
}

type fakePhase struct {
	mu    sync.Mutex
	state status.State
}

func (p *fakePhase) Current() status.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePhase) set(s status.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Replies produced during a reconnect wait in the queue and go out once the
// session reopens.
func TestSenderHoldsQueueUntilOpen(t *testing.T) {
	db := testDB(t)
	mock := &mockTransport{}
	phase := &fakePhase{state: status.Connecting}
	s := NewSender(db, mock, phase, bus.New(), zap.NewNop())
	ctx := context.Background()

	id, err := s.QueueText(ctx, "chat@s", "sorry, try again")
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(ctx)
	if n := len(mock.snapshot()); n != 0 {
		t.Fatalf("sent %d messages while connecting, want 0", n)
	}
	if st, _ := db.OutboxStatus(ctx, id); st != "queued" {
		t.Fatalf("outbox status = %q, want queued", st)
	}

	phase.set(status.Open)
	s.Flush(ctx)

	calls := mock.snapshot()
	if len(calls) != 1 || calls[0].Text != "sorry, try again" {
		t.Fatalf("calls = %+v, want the held reply", calls)
	}
	if st, _ := db.OutboxStatus(ctx, id); st != "sent" {
		t.Errorf("outbox status = %q, want sent", st)
	}
}

// phaseDroppingTransport closes the session while a send is in flight.
type phaseDroppingTransport struct {
	mockTransport
	phase *fakePhase
}

func (d *phaseDroppingTransport) SendText(ctx context.Context, jid, text string) (string, error) {
	d.phase.set(status.Closed)
	return "", fmt.Errorf("websocket closed")
}

func TestSenderRequeuesSendInterruptedByDisconnect(t *testing.T) {
	db := testDB(t)
	phase := &fakePhase{state: status.Open}
	tr := &phaseDroppingTransport{phase: phase}
	s := NewSender(db, tr, phase, bus.New(), zap.NewNop())
	ctx := context.Background()

	id, err := s.QueueText(ctx, "chat@s", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(ctx)

	if st, _ := db.OutboxStatus(ctx, id); st != "queued" {
		t.Errorf("outbox status = %q, want queued for retry", st)
	}
	rec, err := db.FindByMessageID(ctx, "chat@s", id, store.KindText)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "sending" {
		t.Errorf("record status = %q, want sending", rec.Status)
	}
}

package status

import (
	"testing"

	"github.com/matheus3301/wppbot/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Connecting, AwaitingQR},
		{Connecting, AwaitingPairingCode},
		{Connecting, Open},
		{AwaitingQR, Open},
		{AwaitingPairingCode, Idle},
		{Open, Closed},
		{Closed, Connecting},
		{Closed, Failed},
		{Failed, Idle},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Open); err == nil {
		t.Error("Transition(IDLE -> OPEN) should fail")
	}
	if m.Current() != Idle {
		t.Errorf("state = %s, want IDLE (unchanged)", m.Current())
	}
}

// TestFailedIsTerminalUntilReset verifies FAILED cannot reconnect on its own;
// only an explicit move back to IDLE re-arms the session.
func TestFailedIsTerminalUntilReset(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Failed)

	if err := m.Transition(Connecting); err == nil {
		t.Fatal("Transition(FAILED -> CONNECTING) should fail")
	}
	if err := m.Transition(Idle); err != nil {
		t.Fatalf("FAILED -> IDLE: %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestFirstPairingLifecycle walks a first run in pairing-code mode:
// IDLE → CONNECTING → AWAITING_PAIRING_CODE → OPEN
func TestFirstPairingLifecycle(t *testing.T) {
	m := NewMachine(nil)

	for _, s := range []State{Connecting, AwaitingPairingCode, Open} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestLoggedOutCycle walks OPEN → CLOSED → IDLE → CONNECTING → AWAITING_QR.
func TestLoggedOutCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Open)

	for _, s := range []State{Closed, Idle, Connecting, AwaitingQR} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:                {},
		Connecting:          {Connecting},
		AwaitingQR:          {Connecting, AwaitingQR},
		AwaitingPairingCode: {Connecting, AwaitingPairingCode},
		Open:                {Connecting, Open},
		Closed:              {Connecting, Open, Closed},
		Failed:              {Failed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
)

var clover = Peripheral{Address: "AA:BB", Name: "Clover Station 1"}

// recordingSink records the session hand-off.
type recordingSink struct {
	mu      sync.Mutex
	started []*Session
	ended   []ConnectReason
}

func (s *recordingSink) SessionStarted(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, sess)
}

func (s *recordingSink) SessionEnded(_ SessionHandle, reason ConnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, reason)
}

func newTestManager(radio *mockRadio, opts ConnectionOptions) (*ConnectionManager, *Hub, *AdapterGuard) {
	hub := NewHub()
	guard := NewAdapterGuard(radio, GuardOptions{})
	return NewConnectionManager(guard, hub.Publish, opts), hub, guard
}

func TestConnectSuccess(t *testing.T) {
	radio := newMockRadio()
	sink := &recordingSink{}
	m, hub, _ := newTestManager(radio, ConnectionOptions{Sink: sink})
	events := newEventLog()
	hub.Attach(events)

	sess, err := m.Connect(context.Background(), clover)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	st := m.State()
	if st.Phase != Connected || st.Peripheral != clover || st.Handle == "" {
		t.Errorf("State() = %v, want connected to %s with a handle", st, clover.Address)
	}
	if sess.Handle() != st.Handle || sess.Peripheral() != clover || sess.Link() == nil {
		t.Errorf("session = %+v does not match state %v", sess, st)
	}
	if got := events.all(); len(got) != 1 || got[0].Kind != EventConnectionEstablished || got[0].Peripheral != clover {
		t.Errorf("events = %+v, want one ConnectionEstablished", got)
	}
	if len(sink.started) != 1 || sink.started[0] != sess {
		t.Error("sink did not receive the session")
	}
}

func TestConnectHandlesAreUnique(t *testing.T) {
	radio := newMockRadio()
	m, _, _ := newTestManager(radio, ConnectionOptions{})

	first, err := m.Connect(context.Background(), clover)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m.Disconnect()
	second, err := m.Connect(context.Background(), clover)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if first.Handle() == second.Handle() {
		t.Errorf("two sessions share handle %s", first.Handle())
	}
}

func TestConnectAlreadyActiveLeavesState(t *testing.T) {
	radio := newMockRadio()
	m, hub, _ := newTestManager(radio, ConnectionOptions{})
	if _, err := m.Connect(context.Background(), clover); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before := m.State()
	events := newEventLog()
	hub.Attach(events)

	other := Peripheral{Address: "CC:DD", Name: "Clover Mini"}
	_, err := m.Connect(context.Background(), other)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("Connect() error = %v, want ErrAlreadyActive", err)
	}
	if m.State() != before {
		t.Errorf("State() = %v, want unchanged %v", m.State(), before)
	}
	if len(events.all()) != 0 {
		t.Errorf("events = %+v, want none", events.all())
	}
	if calls := radio.recorded(); len(calls) != 1 {
		t.Errorf("calls = %v, want only the first connect", calls)
	}
}

func TestConnectWithAdapterOff(t *testing.T) {
	radio := newMockRadio()
	radio.enabled = false
	m, hub, _ := newTestManager(radio, ConnectionOptions{})
	events := newEventLog()
	hub.Attach(events)

	_, err := m.Connect(context.Background(), clover)
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("Connect() error = %v, want ErrAdapterUnavailable", err)
	}
	if m.State().Phase != Idle {
		t.Errorf("State() = %v, want idle", m.State())
	}
	if len(events.all()) != 0 {
		t.Errorf("events = %+v, want none", events.all())
	}
}

// The scan is stopped before the connection attempt begins.
func TestConnectStopsScanFirst(t *testing.T) {
	radio := newMockRadio()
	m, hub, guard := newTestManager(radio, ConnectionOptions{})
	events := newEventLog()
	hub.Attach(events)

	if _, err := guard.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	m.enterDiscovery()
	radio.waitScanning(t)

	if _, err := m.Connect(context.Background(), clover); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	want := []string{"scan", "stop", "connect:AA:BB"}
	got := radio.recorded()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if guard.Scanning() {
		t.Error("guard still scanning after connect")
	}
	if evs := events.all(); len(evs) != 1 || evs[0].Kind != EventConnectionEstablished || evs[0].Peripheral != clover {
		t.Errorf("events = %+v, want one ConnectionEstablished(%s)", evs, clover.Address)
	}
}

// Every observer hears about an unreachable peripheral, in order.
func TestConnectUnreachableNotifiesAllObservers(t *testing.T) {
	radio := newMockRadio()
	radio.connectErr = errors.New("le-connection-abort-by-local")
	m, hub, _ := newTestManager(radio, ConnectionOptions{})

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		hub.Attach(&Listener{OnConnectionFailed: func(r ConnectReason) {
			mu.Lock()
			got = append(got, name+":"+string(r))
			mu.Unlock()
		}})
	}

	_, err := m.Connect(context.Background(), clover)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Connect() error = %v, want ErrUnreachable", err)
	}

	want := []string{"first:unreachable", "second:unreachable", "third:unreachable"}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notifications = %v, want %v", got, want)
			break
		}
	}
	if s := m.State().String(); s != `disconnected(adapterUnavailable=false, reason="unreachable")` {
		t.Errorf("State() = %s", s)
	}
}

func TestConnectRejected(t *testing.T) {
	radio := newMockRadio()
	radio.connectErr = &ConnectError{Reason: ReasonRejected, Err: errors.New("authentication failure")}
	m, _, _ := newTestManager(radio, ConnectionOptions{})

	_, err := m.Connect(context.Background(), clover)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Connect() error = %v, want ErrRejected", err)
	}
	if st := m.State(); st.Phase != Disconnected || st.Reason != ReasonRejected {
		t.Errorf("State() = %v, want disconnected(rejected)", st)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	radio := newMockRadio()
	sink := &recordingSink{}
	m, hub, _ := newTestManager(radio, ConnectionOptions{Sink: sink})
	if _, err := m.Connect(context.Background(), clover); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	events := newEventLog()
	hub.Attach(events)

	m.Disconnect()
	m.Disconnect()

	if m.State().Phase != Idle {
		t.Errorf("State() = %v, want idle", m.State())
	}
	if evs := events.all(); len(evs) != 1 || evs[0].Kind != EventDisconnected || evs[0].Reason != ReasonRequested {
		t.Errorf("events = %+v, want exactly one Disconnected", evs)
	}
	if !radio.latestLink().isClosed() {
		t.Error("link not closed by Disconnect")
	}
	if len(sink.ended) != 1 || sink.ended[0] != ReasonRequested {
		t.Errorf("sink ended = %v, want one requested end", sink.ended)
	}
}

func TestDisconnectFromIdlePublishesNothing(t *testing.T) {
	m, hub, _ := newTestManager(newMockRadio(), ConnectionOptions{})
	events := newEventLog()
	hub.Attach(events)

	m.Disconnect()
	if len(events.all()) != 0 {
		t.Errorf("events = %+v, want none", events.all())
	}
}

func TestStaleDialResultIsDiscarded(t *testing.T) {
	radio := newMockRadio()
	m, hub, guard := newTestManager(radio, ConnectionOptions{})
	events := newEventLog()
	hub.Attach(events)

	attempt, dctx, err := m.begin(context.Background(), clover)
	if err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	m.Disconnect()
	if dctx.Err() == nil {
		t.Error("Disconnect did not cancel the pending dial")
	}

	link, _ := guard.Dial(context.Background(), clover.Address)
	if _, err := m.complete(attempt, link, nil); !errors.Is(err, errStaleAttempt) {
		t.Errorf("complete() error = %v, want errStaleAttempt", err)
	}
	if !radio.latestLink().isClosed() {
		t.Error("stale link left open")
	}
	if m.State().Phase != Idle {
		t.Errorf("State() = %v, want idle", m.State())
	}
	for _, ev := range events.all() {
		if ev.Kind == EventConnectionEstablished {
			t.Error("stale dial published ConnectionEstablished")
		}
	}
}

func TestVerifyReachable(t *testing.T) {
	radio := newMockRadio()
	m, _, _ := newTestManager(radio, ConnectionOptions{})
	sess, err := m.Connect(context.Background(), clover)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !m.VerifyReachable(context.Background(), sess.Handle()) {
		t.Error("VerifyReachable() = false for a live link")
	}
	if m.VerifyReachable(context.Background(), "unknown") {
		t.Error("VerifyReachable() = true for an unknown handle")
	}

	radio.latestLink().probeErr = errors.New("att: timeout")
	if m.VerifyReachable(context.Background(), sess.Handle()) {
		t.Error("VerifyReachable() = true for a silent peer")
	}
	if m.State().Phase != Connected {
		t.Errorf("VerifyReachable changed state to %v", m.State())
	}
}

func TestLinkLost(t *testing.T) {
	radio := newMockRadio()
	sink := &recordingSink{}
	m, hub, _ := newTestManager(radio, ConnectionOptions{Sink: sink})
	var lost SessionHandle
	m.onLinkLost = func(h SessionHandle) { lost = h }
	sess, err := m.Connect(context.Background(), clover)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	events := newEventLog()
	hub.Attach(events)

	radio.latestLink().SimulateDisconnect()
	if lost != sess.Handle() {
		t.Fatalf("onLinkLost got %q, want %q", lost, sess.Handle())
	}
	m.linkLost(lost)
	m.linkLost(lost)

	if st := m.State(); st.Phase != Disconnected || st.Reason != ReasonConnectionLost {
		t.Errorf("State() = %v, want disconnected(connection lost)", st)
	}
	if evs := events.all(); len(evs) != 1 || evs[0].Reason != ReasonConnectionLost {
		t.Errorf("events = %+v, want one Disconnected(connection lost)", evs)
	}
	if len(sink.ended) != 1 || sink.ended[0] != ReasonConnectionLost {
		t.Errorf("sink ended = %v", sink.ended)
	}
}

func TestAdapterLostFromAnyState(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, m *ConnectionManager)
		wantKind EventKind
	}{
		{"idle", func(*testing.T, *ConnectionManager) {}, EventDisconnected},
		{"connecting", func(t *testing.T, m *ConnectionManager) {
			if _, _, err := m.begin(context.Background(), clover); err != nil {
				t.Fatalf("begin() error = %v", err)
			}
		}, EventConnectionFailed},
		{"connected", func(t *testing.T, m *ConnectionManager) {
			if _, err := m.Connect(context.Background(), clover); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
		}, EventDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, hub, _ := newTestManager(newMockRadio(), ConnectionOptions{})
			tt.setup(t, m)
			events := newEventLog()
			hub.Attach(events)

			m.adapterLost()
			m.adapterLost()

			st := m.State()
			if st.Phase != Disconnected || !st.AdapterUnavailable {
				t.Errorf("State() = %v, want disconnected(adapterUnavailable=true)", st)
			}
			evs := events.all()
			if len(evs) != 1 || evs[0].Kind != tt.wantKind || evs[0].Reason != ReasonAdapterUnavailable {
				t.Errorf("events = %+v, want one %s(adapter unavailable)", evs, tt.wantKind)
			}

			m.adapterRestored()
			if m.State().Phase != Idle {
				t.Errorf("State() after restore = %v, want idle", m.State())
			}
		})
	}
}

func TestDiscoveryEnded(t *testing.T) {
	m, hub, _ := newTestManager(newMockRadio(), ConnectionOptions{})
	events := newEventLog()
	hub.Attach(events)

	m.enterDiscovery()
	m.discoveryEnded(nil)
	if m.State().Phase != Idle {
		t.Errorf("State() = %v, want idle after a clean end", m.State())
	}

	m.enterDiscovery()
	m.discoveryEnded(errors.New("hci0: busy"))
	if st := m.State(); st.Phase != Disconnected || st.Reason != ReasonScanFailed {
		t.Errorf("State() = %v, want disconnected(scan failed)", st)
	}
	if evs := events.all(); len(evs) != 1 || evs[0].Kind != EventConnectionFailed {
		t.Errorf("events = %+v, want one ConnectionFailed", evs)
	}
}

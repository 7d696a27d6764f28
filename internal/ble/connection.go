package ble

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errStaleAttempt = errors.New("ble: stale connection attempt")

// SessionSink is the protocol client's side of the hand-off: it is given each
// established session and told when that session ends. Calls are made on the
// goroutine that owns the ConnectionManager and must not block.
type SessionSink interface {
	SessionStarted(s *Session)
	SessionEnded(h SessionHandle, reason ConnectReason)
}

// ConnectionOptions configures a ConnectionManager.
type ConnectionOptions struct {
	// Timeout bounds a single dial. Zero leaves the radio's own timeout in
	// charge.
	Timeout time.Duration
	Sink    SessionSink
}

// ConnectionManager is the sole authority over the session State. It is not
// safe for concurrent use; the Service drives it from one goroutine.
type ConnectionManager struct {
	guard   *AdapterGuard
	publish func(Event)
	opts    ConnectionOptions

	state   State
	attempt uint64 // bumped on every begin and teardown
	cancel  context.CancelFunc
	session *Session

	// onLinkLost, when set, is wired to each session's disconnect callback.
	onLinkLost func(SessionHandle)
}

// NewConnectionManager creates a manager in the Idle state.
func NewConnectionManager(guard *AdapterGuard, publish func(Event), opts ConnectionOptions) *ConnectionManager {
	if publish == nil {
		publish = func(Event) {}
	}
	return &ConnectionManager{guard: guard, publish: publish, opts: opts}
}

// State returns the current session state.
func (m *ConnectionManager) State() State { return m.state }

// Connect establishes a session with p, blocking for the dial. See begin for
// the preconditions.
func (m *ConnectionManager) Connect(ctx context.Context, p Peripheral) (*Session, error) {
	attempt, dctx, err := m.begin(ctx, p)
	if err != nil {
		return nil, err
	}
	link, err := m.guard.Dial(dctx, p.Address)
	return m.complete(attempt, link, err)
}

// begin checks the preconditions of a connection attempt and enters
// Connecting. A reentrant attempt fails with ErrAlreadyActive and leaves the
// state untouched. Any running scan is stopped before anything else happens to
// the radio.
func (m *ConnectionManager) begin(ctx context.Context, p Peripheral) (uint64, context.Context, error) {
	if m.state.active() {
		return 0, nil, ErrAlreadyActive
	}

	m.stopDiscovery()

	if !m.guard.Enabled() {
		return 0, nil, ErrAdapterUnavailable
	}

	m.attempt++
	var dctx context.Context
	var cancel context.CancelFunc
	if m.opts.Timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	m.cancel = cancel
	m.state = State{Phase: Connecting, Peripheral: p}
	slog.Info("[BLE] connecting", "address", p.Address, "name", p.Name)
	return m.attempt, dctx, nil
}

// complete finishes the attempt numbered attempt with the dial outcome. An
// outcome for an attempt that was since torn down is discarded and its link
// closed.
func (m *ConnectionManager) complete(attempt uint64, link Link, dialErr error) (*Session, error) {
	if attempt != m.attempt || m.state.Phase != Connecting {
		if link != nil {
			_ = link.Close()
		}
		return nil, errStaleAttempt
	}
	m.releaseDial()
	p := m.state.Peripheral

	if dialErr != nil {
		ce := classifyDialError(dialErr)
		m.state = State{Phase: Disconnected, Reason: ce.Reason, AdapterUnavailable: ce.Reason == ReasonAdapterUnavailable}
		slog.Warn("[BLE] connect failed", "address", p.Address, "reason", string(ce.Reason), "error", dialErr)
		m.publish(Event{Kind: EventConnectionFailed, Reason: ce.Reason})
		return nil, ce
	}

	s := &Session{handle: newSessionHandle(), peripheral: p, link: link}
	m.session = s
	m.state = State{Phase: Connected, Peripheral: p, Handle: s.handle}
	if m.onLinkLost != nil {
		h := s.handle
		link.OnDisconnect(func() { m.onLinkLost(h) })
	}
	slog.Info("[BLE] connected", "address", p.Address, "session", string(s.handle))
	m.publish(Event{Kind: EventConnectionEstablished, Peripheral: p})
	if m.opts.Sink != nil {
		m.opts.Sink.SessionStarted(s)
	}
	return s, nil
}

// linkFor returns the link of the current session if it is named h.
func (m *ConnectionManager) linkFor(h SessionHandle) Link {
	if m.state.Phase != Connected || m.session == nil || m.session.handle != h {
		return nil
	}
	return m.session.link
}

// VerifyReachable probes the connected peripheral. A negative answer does not
// change the state; the caller decides whether to disconnect.
func (m *ConnectionManager) VerifyReachable(ctx context.Context, h SessionHandle) bool {
	return probe(ctx, m.linkFor(h))
}

func probe(ctx context.Context, link Link) bool {
	if link == nil {
		return false
	}
	if err := link.Probe(ctx); err != nil {
		slog.Warn("[BLE] peripheral not reachable", "error", err)
		return false
	}
	return true
}

// Disconnect tears down whatever is outstanding and returns to Idle,
// publishing one Disconnected event. It is a no-op in Idle.
func (m *ConnectionManager) Disconnect() {
	if m.state.Phase == Idle {
		return
	}
	m.teardown(ReasonRequested)
	m.state = State{Phase: Idle}
	slog.Info("[BLE] disconnected")
	m.publish(Event{Kind: EventDisconnected, Reason: ReasonRequested})
}

// linkLost handles the platform dropping the session named h.
func (m *ConnectionManager) linkLost(h SessionHandle) {
	if m.linkFor(h) == nil {
		return
	}
	m.teardown(ReasonConnectionLost)
	m.state = State{Phase: Disconnected, Reason: ReasonConnectionLost}
	slog.Warn("[BLE] connection lost", "session", string(h))
	m.publish(Event{Kind: EventDisconnected, Reason: ReasonConnectionLost})
}

// adapterLost forces Disconnected(adapterUnavailable) from any state.
func (m *ConnectionManager) adapterLost() {
	prev := m.state
	if prev.Phase == Disconnected && prev.AdapterUnavailable {
		return
	}
	m.teardown(ReasonAdapterUnavailable)
	m.state = State{Phase: Disconnected, Reason: ReasonAdapterUnavailable, AdapterUnavailable: true}
	slog.Warn("[BLE] adapter unavailable", "was", prev.String())
	if prev.Phase == Connecting {
		m.publish(Event{Kind: EventConnectionFailed, Reason: ReasonAdapterUnavailable})
		return
	}
	m.publish(Event{Kind: EventDisconnected, Reason: ReasonAdapterUnavailable})
}

// adapterRestored leaves the adapter-unavailable state once power returns.
func (m *ConnectionManager) adapterRestored() {
	if m.state.Phase == Disconnected && m.state.AdapterUnavailable {
		m.state = State{Phase: Idle}
	}
}

// enterDiscovery records that a scan is running. Callers check that no
// connection is outstanding first.
func (m *ConnectionManager) enterDiscovery() {
	m.state = State{Phase: Discovering}
}

// stopDiscovery stops the radio scan and leaves Discovering.
func (m *ConnectionManager) stopDiscovery() {
	m.guard.StopScan()
	if m.state.Phase == Discovering {
		m.state = State{Phase: Idle}
	}
}

// discoveryEnded handles the platform ending the scan on its own.
func (m *ConnectionManager) discoveryEnded(err error) {
	if m.state.Phase != Discovering {
		return
	}
	if err == nil {
		m.state = State{Phase: Idle}
		return
	}
	m.state = State{Phase: Disconnected, Reason: ReasonScanFailed}
	m.publish(Event{Kind: EventConnectionFailed, Reason: ReasonScanFailed})
}

// teardown cancels a pending dial, stops scanning and closes the session.
func (m *ConnectionManager) teardown(reason ConnectReason) {
	m.attempt++
	m.releaseDial()
	m.guard.StopScan()
	if m.session == nil {
		return
	}
	s := m.session
	m.session = nil
	if err := s.link.Close(); err != nil {
		slog.Warn("[BLE] failed to close link", "error", err)
	}
	if m.opts.Sink != nil {
		m.opts.Sink.SessionEnded(s.handle, reason)
	}
}

func (m *ConnectionManager) releaseDial() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

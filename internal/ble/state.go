package ble

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase is the tag of a session state.
type Phase int

const (
	Idle Phase = iota
	Discovering
	Connecting
	Connected
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SessionHandle is the opaque token naming one established session.
type SessionHandle string

func newSessionHandle() SessionHandle {
	return SessionHandle(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// State is the process-wide session state. Peripheral is set while
// Connecting and Connected, Handle only while Connected, Reason and
// AdapterUnavailable only while Disconnected.
type State struct {
	Phase              Phase
	Peripheral         Peripheral
	Handle             SessionHandle
	Reason             ConnectReason
	AdapterUnavailable bool
}

func (s State) String() string {
	switch s.Phase {
	case Connecting:
		return fmt.Sprintf("connecting(%s)", s.Peripheral.Address)
	case Connected:
		return fmt.Sprintf("connected(%s, %s)", s.Peripheral.Address, s.Handle)
	case Disconnected:
		return fmt.Sprintf("disconnected(adapterUnavailable=%t, reason=%q)", s.AdapterUnavailable, s.Reason)
	default:
		return s.Phase.String()
	}
}

// active reports whether a connection attempt or session is outstanding.
func (s State) active() bool {
	return s.Phase == Connecting || s.Phase == Connected
}

// Session is what the protocol client receives once a peripheral is
// connected.
type Session struct {
	handle     SessionHandle
	peripheral Peripheral
	link       Link
}

func (s *Session) Handle() SessionHandle  { return s.handle }
func (s *Session) Peripheral() Peripheral { return s.peripheral }

// Link returns the transport the protocol client talks over.
func (s *Session) Link() Link { return s.link }

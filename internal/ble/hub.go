package ble

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// EventKind identifies the kind of session event.
type EventKind int

const (
	EventDiscoveryUpdated EventKind = iota + 1
	EventConnectionEstablished
	EventConnectionFailed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventDiscoveryUpdated:
		return "discovery_updated"
	case EventConnectionEstablished:
		return "connection_established"
	case EventConnectionFailed:
		return "connection_failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is what observers receive. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Batch      Batch         // EventDiscoveryUpdated
	Peripheral Peripheral    // EventConnectionEstablished
	Reason     ConnectReason // EventConnectionFailed, EventDisconnected
}

// Observer receives session events. Implementations are called on the
// service's goroutine and must hand work off to their own context rather than
// calling back into the Service synchronously.
type Observer interface {
	HandleEvent(ev Event) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ev Event) error

func (f ObserverFunc) HandleEvent(ev Event) error { return f(ev) }

// Listener is an Observer with one optional callback per event kind.
type Listener struct {
	OnDiscoveryUpdated      func(Batch)
	OnConnectionEstablished func(Peripheral)
	OnConnectionFailed      func(reason ConnectReason)
	OnDisconnected          func(reason ConnectReason)
}

func (l *Listener) HandleEvent(ev Event) error {
	switch ev.Kind {
	case EventDiscoveryUpdated:
		if l.OnDiscoveryUpdated != nil {
			l.OnDiscoveryUpdated(ev.Batch)
		}
	case EventConnectionEstablished:
		if l.OnConnectionEstablished != nil {
			l.OnConnectionEstablished(ev.Peripheral)
		}
	case EventConnectionFailed:
		if l.OnConnectionFailed != nil {
			l.OnConnectionFailed(ev.Reason)
		}
	case EventDisconnected:
		if l.OnDisconnected != nil {
			l.OnDisconnected(ev.Reason)
		}
	}
	return nil
}

// ObserverHandle names one attachment. The zero handle is never issued.
type ObserverHandle uint64

type attachment struct {
	handle   ObserverHandle
	observer Observer
}

// Hub fans events out to every attached observer. Attach, Detach and Publish
// are safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	next      ObserverHandle
	observers []attachment // registration order
}

// NewHub creates an empty registry.
func NewHub() *Hub {
	return &Hub{}
}

// Attach registers o and returns the handle to detach it with. Attaching a
// comparable observer that is already registered returns its existing handle.
// Function observers cannot be compared and get a fresh handle every time.
func (h *Hub) Attach(o Observer) ObserverHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isComparable(o) {
		for _, a := range h.observers {
			if isComparable(a.observer) && a.observer == o {
				return a.handle
			}
		}
	}
	h.next++
	h.observers = append(h.observers, attachment{handle: h.next, observer: o})
	return h.next
}

// Detach removes the observer registered under handle. Unknown or already
// detached handles are ignored.
func (h *Hub) Detach(handle ObserverHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, a := range h.observers {
		if a.handle == handle {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of attached observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Publish delivers ev to every observer attached when Publish was called, in
// registration order, and returns once all of them have been invoked. A
// failing observer is logged and skipped.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	targets := make([]attachment, len(h.observers))
	copy(targets, h.observers)
	h.mu.Unlock()

	for _, a := range targets {
		if err := deliver(a.observer, ev); err != nil {
			slog.Warn("[BLE] observer failed", "observer", uint64(a.handle), "event", ev.Kind.String(), "error", err)
		}
	}
}

func isComparable(o Observer) bool {
	t := reflect.TypeOf(o)
	return t != nil && t.Comparable()
}

func deliver(o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ble: observer panic: %v", r)
		}
	}()
	return o.HandleEvent(ev)
}

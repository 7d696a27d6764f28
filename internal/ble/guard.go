package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long StartScan waits for a superseded scan to
// wind down.
const DefaultStopTimeout = 2 * time.Second

// EnableRequest describes what the lifecycle collaborator must do to power the
// radio on. The guard never acts on it; callers re-check Enabled afterwards.
type EnableRequest struct {
	Action string
}

// Scan is one in-flight scan. Results is closed when the scan ends, whether it
// was stopped or the platform finished it.
type Scan struct {
	results chan Observation
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // set before done is closed
}

// Results returns the stream of raw observations for this scan.
func (s *Scan) Results() <-chan Observation { return s.results }

// Done is closed once the scan has fully ended.
func (s *Scan) Done() <-chan struct{} { return s.done }

// Err returns the hardware error that ended the scan, if any. Only valid after
// Done is closed.
func (s *Scan) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// GuardOptions configures an AdapterGuard.
type GuardOptions struct {
	Power       PowerSource   // optional; consulted by Enabled when set
	StopTimeout time.Duration // wait for a superseded scan (default 2s)
}

// AdapterGuard is the sole owner of the radio. It answers capability queries,
// runs at most one scan at a time and dials peripherals.
type AdapterGuard struct {
	radio Radio
	opts  GuardOptions

	mu   sync.Mutex
	scan *Scan
}

// NewAdapterGuard wraps radio. A nil radio models a host without one.
func NewAdapterGuard(radio Radio, opts GuardOptions) *AdapterGuard {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &AdapterGuard{radio: radio, opts: opts}
}

// Present reports whether the host has a radio. Without one nothing else in
// this package is usable.
func (g *AdapterGuard) Present() bool {
	return g.radio != nil && g.radio.Present()
}

// Enabled reports whether the radio is present and powered on.
func (g *AdapterGuard) Enabled() bool {
	if !g.Present() || !g.radio.Enabled() {
		return false
	}
	if g.opts.Power == nil {
		return true
	}
	powered, err := g.opts.Power.Powered()
	if err != nil {
		slog.Warn("[BLE] power state unavailable", "error", err)
		return false
	}
	return powered
}

// RequestEnable returns the action the lifecycle collaborator must carry out.
func (g *AdapterGuard) RequestEnable() EnableRequest {
	return EnableRequest{Action: "prompt user to enable radio"}
}

// Scanning reports whether a scan is in flight.
func (g *AdapterGuard) Scanning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scan != nil
}

// StartScan begins a scan, stopping any running one first.
func (g *AdapterGuard) StartScan() (*Scan, error) {
	if !g.Present() {
		return nil, ErrNotPresent
	}
	if !g.Enabled() {
		return nil, ErrNotEnabled
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.scan != nil {
		if !g.stopLocked(g.opts.StopTimeout) {
			return nil, ErrAlreadyScanning
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scan{
		results: make(chan Observation),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	g.scan = s

	go func() {
		err := g.radio.Scan(ctx, func(o Observation) {
			select {
			case s.results <- o:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			s.err = fmt.Errorf("ble: scan: %w", err)
			slog.Error("[BLE] scan failed", "error", err)
		}
		close(s.results)
		close(s.done)

		g.mu.Lock()
		if g.scan == s {
			g.scan = nil
		}
		g.mu.Unlock()
	}()

	slog.Debug("[BLE] scan started")
	return s, nil
}

// StopScan stops the running scan and waits for the radio to release it. It
// is a no-op when nothing is scanning.
func (g *AdapterGuard) StopScan() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scan == nil {
		return
	}
	if !g.stopLocked(g.opts.StopTimeout) {
		slog.Warn("[BLE] scan did not stop in time", "timeout", g.opts.StopTimeout)
	}
}

// stopLocked cancels the current scan and waits up to timeout for it to end
// (caller must hold mu). It reports whether the scan ended.
func (g *AdapterGuard) stopLocked(timeout time.Duration) bool {
	s := g.scan
	s.cancel()
	// the scan goroutine clears g.scan itself, but it needs mu to do so
	g.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var stopped bool
	select {
	case <-s.done:
		stopped = true
	case <-timer.C:
	}
	g.mu.Lock()
	if stopped && g.scan == s {
		g.scan = nil
	}
	if stopped {
		slog.Debug("[BLE] scan stopped")
	}
	return stopped
}

// Dial connects to the peripheral at address.
func (g *AdapterGuard) Dial(ctx context.Context, address string) (Link, error) {
	if !g.Enabled() {
		return nil, ErrAdapterUnavailable
	}
	link, err := g.radio.Connect(ctx, address)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ConnectError{Reason: ReasonUnreachable, Err: err}
		}
		return nil, err
	}
	return link, nil
}

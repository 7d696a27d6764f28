package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Filter         Filter        // default NameContains(DefaultNameMarker)
	Paired         PairedStore   // optional bonded-device source
	Power          PowerSource   // optional power state source
	Sink           SessionSink   // optional protocol client hand-off
	ConnectTimeout time.Duration // zero leaves the radio's own timeout in charge
	StopTimeout    time.Duration // see GuardOptions
	PairedTimeout  time.Duration // bound on a paired-store query (default 3s)
}

// DefaultServiceOptions returns sensible defaults.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		Filter:        NameContains(DefaultNameMarker),
		StopTimeout:   DefaultStopTimeout,
		PairedTimeout: 3 * time.Second,
	}
}

// Service is the process-wide holder of the adapter guard, discovery set,
// connection manager and event hub. Every mutation runs on one goroutine;
// the exported methods are safe for concurrent use from any number of
// observers, but must not be called from inside an observer callback.
type Service struct {
	guard     *AdapterGuard
	discovery *Discovery
	conns     *ConnectionManager
	hub       *Hub
	opts      ServiceOptions

	requests chan request
	inbound  chan platformEvent
	quit     chan struct{}
	done     chan struct{}
	state    atomic.Pointer[State]

	closeOnce sync.Once

	// owned by the loop goroutine
	scan    *Scan
	scanGen uint64
}

type request struct {
	fn    func() error
	reply chan error
}

// platformEvent is anything originating from the radio or OS that must be
// marshalled onto the loop before it touches state.
type platformEvent interface{ isPlatformEvent() }

type (
	scanResult struct {
		gen uint64
		obs Observation
	}
	scanEnded struct {
		gen uint64
		err error
	}
	dialResult struct {
		attempt uint64
		link    Link
		err     error
	}
	linkLost     struct{ handle SessionHandle }
	powerChanged struct{ enabled bool }
)

func (scanResult) isPlatformEvent()   {}
func (scanEnded) isPlatformEvent()    {}
func (dialResult) isPlatformEvent()   {}
func (linkLost) isPlatformEvent()     {}
func (powerChanged) isPlatformEvent() {}

// NewService wires the components around radio and starts the owning
// goroutine. A nil radio models a host without one. Call Close to stop it.
func NewService(radio Radio, opts ServiceOptions) *Service {
	def := DefaultServiceOptions()
	if opts.Filter == nil {
		opts.Filter = def.Filter
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.PairedTimeout <= 0 {
		opts.PairedTimeout = def.PairedTimeout
	}

	s := &Service{
		hub:      NewHub(),
		opts:     opts,
		requests: make(chan request),
		inbound:  make(chan platformEvent, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.guard = NewAdapterGuard(radio, GuardOptions{Power: opts.Power, StopTimeout: opts.StopTimeout})
	s.discovery = NewDiscovery(opts.Filter, func(b Batch) {
		s.publish(Event{Kind: EventDiscoveryUpdated, Batch: b})
	})
	s.conns = NewConnectionManager(s.guard, s.publish, ConnectionOptions{
		Timeout: opts.ConnectTimeout,
		Sink:    opts.Sink,
	})
	s.conns.onLinkLost = func(h SessionHandle) { s.post(linkLost{handle: h}) }
	s.storeState()

	go s.loop()
	return s
}

// Attach registers an observer for session events.
func (s *Service) Attach(o Observer) ObserverHandle { return s.hub.Attach(o) }

// Detach removes an observer. Unknown handles are ignored.
func (s *Service) Detach(h ObserverHandle) { s.hub.Detach(h) }

// Present reports whether the host has a radio.
func (s *Service) Present() bool { return s.guard.Present() }

// Enabled reports whether the radio is powered on.
func (s *Service) Enabled() bool { return s.guard.Enabled() }

// RequestEnable describes what the lifecycle collaborator must do to power
// the radio on.
func (s *Service) RequestEnable() EnableRequest { return s.guard.RequestEnable() }

// CurrentState returns the latest session state. It never blocks.
func (s *Service) CurrentState() State { return *s.state.Load() }

// ListPairedMatching returns the bonded peripherals that pass the filter.
func (s *Service) ListPairedMatching(ctx context.Context) ([]Peripheral, error) {
	paired, err := s.pairedMatching(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Peripheral, 0, len(paired))
	for _, o := range paired {
		out = append(out, peripheralFrom(o))
	}
	return out, nil
}

func (s *Service) pairedMatching(ctx context.Context) ([]Observation, error) {
	if s.opts.Paired == nil || !s.guard.Present() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PairedTimeout)
	defer cancel()
	paired, err := s.opts.Paired.Paired(ctx)
	if err != nil {
		return nil, fmt.Errorf("ble: list paired: %w", err)
	}
	return filterPaired(s.opts.Filter, paired), nil
}

// StartScan clears the discovery set, seeds it with matching bonded
// peripherals and starts a fresh scan. Results arrive as DiscoveryUpdated
// events. It fails synchronously when the radio is absent or off, or while a
// connection is outstanding.
func (s *Service) StartScan(ctx context.Context) error {
	paired, err := s.pairedMatching(ctx)
	if err != nil {
		// the live scan still works without the bonded list
		slog.Warn("[BLE] paired lookup failed", "error", err)
	}
	return s.do(ctx, func() error {
		if s.conns.State().active() {
			return ErrAlreadyActive
		}
		sc, err := s.guard.StartScan()
		if err != nil {
			return err
		}
		s.conns.enterDiscovery()
		s.scanGen++
		s.scan = sc
		s.discovery.Reset()
		s.discovery.SeedFromPaired(paired)
		go s.forward(s.scanGen, sc)
		return nil
	})
}

// StopScan stops the running scan. It is safe to call at any time.
func (s *Service) StopScan(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.conns.stopDiscovery()
		s.scan = nil
		return nil
	})
}

// Connect starts a connection attempt with p. Any scan is stopped first. The
// outcome is published as ConnectionEstablished or ConnectionFailed; only
// precondition failures (ErrAlreadyActive, ErrAdapterUnavailable) are
// returned here.
func (s *Service) Connect(ctx context.Context, p Peripheral) error {
	return s.do(ctx, func() error {
		attempt, dctx, err := s.conns.begin(context.Background(), p)
		s.scan = nil
		if err != nil {
			return err
		}
		go func() {
			link, err := s.guard.Dial(dctx, p.Address)
			s.post(dialResult{attempt: attempt, link: link, err: err})
		}()
		return nil
	})
}

// Disconnect tears down any scan, attempt or session and returns to Idle.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.conns.Disconnect()
		s.scan = nil
		return nil
	})
}

// VerifyReachable probes the peripheral of the session named h. The probe runs
// on the caller's goroutine and never changes the state.
func (s *Service) VerifyReachable(ctx context.Context, h SessionHandle) bool {
	var link Link
	if err := s.do(ctx, func() error {
		link = s.conns.linkFor(h)
		return nil
	}); err != nil {
		return false
	}
	return probe(ctx, link)
}

// NotifyAdapterPower reports a platform power change. Losing power forces
// Disconnected(adapterUnavailable) from any state.
func (s *Service) NotifyAdapterPower(enabled bool) {
	s.post(powerChanged{enabled: enabled})
}

// Close disconnects and stops the owning goroutine. It is idempotent; later
// requests fail with ErrClosed.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		_ = s.do(context.Background(), func() error {
			s.conns.Disconnect()
			return nil
		})
		close(s.quit)
		<-s.done
	})
	return nil
}

// do runs fn on the owning goroutine and returns its error.
func (s *Service) do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// post hands a platform event to the owning goroutine. Events arriving after
// Close are dropped.
func (s *Service) post(ev platformEvent) {
	select {
	case s.inbound <- ev:
	case <-s.done:
	}
}

// forward relays one scan's observations onto the loop, tagged with its
// generation so results from a superseded scan are ignored.
func (s *Service) forward(gen uint64, sc *Scan) {
	for {
		select {
		case o, ok := <-sc.Results():
			if !ok {
				<-sc.Done()
				s.post(scanEnded{gen: gen, err: sc.Err()})
				return
			}
			s.post(scanResult{gen: gen, obs: o})
		case <-s.done:
			return
		}
	}
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			err := req.fn()
			s.storeState()
			req.reply <- err
		case ev := <-s.inbound:
			s.handle(ev)
			s.storeState()
		case <-s.quit:
			return
		}
	}
}

// publish makes the new state visible before observers hear about it.
func (s *Service) publish(ev Event) {
	s.storeState()
	s.hub.Publish(ev)
}

func (s *Service) handle(ev platformEvent) {
	switch ev := ev.(type) {
	case scanResult:
		if ev.gen != s.scanGen || s.scan == nil || s.conns.State().Phase != Discovering {
			return
		}
		s.discovery.Ingest(ev.obs)
	case scanEnded:
		if ev.gen != s.scanGen || s.scan == nil {
			return
		}
		s.scan = nil
		slog.Info("[BLE] discovery finished", "found", s.discovery.Len())
		s.conns.discoveryEnded(ev.err)
	case dialResult:
		_, _ = s.conns.complete(ev.attempt, ev.link, ev.err)
	case linkLost:
		s.conns.linkLost(ev.handle)
	case powerChanged:
		if ev.enabled {
			s.conns.adapterRestored()
			return
		}
		s.scan = nil
		s.conns.adapterLost()
	}
}

func (s *Service) storeState() {
	st := s.conns.State()
	s.state.Store(&st)
}

// ScanFor runs a scan for d and returns the final discovery snapshot.
func ScanFor(ctx context.Context, s *Service, d time.Duration) (Batch, error) {
	var mu sync.Mutex
	var last Batch
	h := s.Attach(&Listener{OnDiscoveryUpdated: func(b Batch) {
		mu.Lock()
		last = b
		mu.Unlock()
	}})
	defer s.Detach(h)

	if err := s.StartScan(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := s.StopScan(context.Background()); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return last, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mexikhana/kiosk/internal/ble"
	"github.com/mexikhana/kiosk/internal/bluez"
	"github.com/mexikhana/kiosk/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/kiosk-peripheral/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	// Initialize the radio. A failed enable leaves a radio that reports
	// itself absent, which the service turns into NotPresent.
	radio, err := ble.NewTinyGoRadio(cfg.Adapter.ID)
	if err != nil {
		log.Printf("Radio unavailable: %v", err)
	}

	opts := ble.DefaultServiceOptions()
	opts.Filter = ble.NameContains(cfg.Peripheral.NameMarker)
	opts.ConnectTimeout = cfg.Connect.Timeout
	opts.StopTimeout = cfg.Scan.StopTimeout
	opts.Sink = logSink{}

	var store *bluez.Store
	if cfg.Adapter.UseBlueZ {
		store, err = bluez.Open(cfg.Adapter.ID)
		if err != nil {
			log.Printf("BlueZ unavailable, continuing without paired devices: %v", err)
		} else {
			opts.Paired = store
			opts.Power = store
			defer store.Close()
		}
	}

	svc := ble.NewService(radio, opts)
	defer svc.Close()

	// Observers are called on the service goroutine; hand events to the
	// main loop instead of acting on them there.
	events := make(chan ble.Event, 64)
	svc.Attach(ble.ObserverFunc(func(ev ble.Event) error {
		select {
		case events <- ev:
			return nil
		default:
			return errors.New("event queue full")
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !svc.Present() {
		log.Fatalf("No Bluetooth adapter found on this host.")
	}
	if !svc.Enabled() {
		if err := enableAdapter(ctx, svc, store, cfg.Adapter.PowerOn); err != nil {
			log.Fatalf("Bluetooth adapter is off: %v", err)
		}
	}

	if store != nil {
		if err := store.WatchPowered(ctx, svc.NotifyAdapterPower); err != nil {
			log.Printf("Not watching adapter power: %v", err)
		}
	}

	paired, err := svc.ListPairedMatching(ctx)
	if err != nil {
		log.Printf("Paired lookup failed: %v", err)
	}
	for _, p := range paired {
		log.Printf("Paired terminal: %s (%s)", p.Name, p.Address)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	type scanResult struct {
		found ble.Batch
		err   error
	}
	scanDone := make(chan scanResult, 1)
	log.Printf("Scanning for %s...", cfg.Scan.Duration)
	go func() {
		found, err := ble.ScanFor(ctx, svc, cfg.Scan.Duration)
		scanDone <- scanResult{found: found, err: err}
	}()

	// Main event loop
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case ble.EventDiscoveryUpdated:
				log.Printf("Found %d terminal(s)", len(ev.Batch))

			case ble.EventConnectionEstablished:
				log.Printf("Connected to %s (%s)", ev.Peripheral.Name, ev.Peripheral.Address)
				go verify(ctx, svc, cfg.Connect.VerifyTimeout)

			case ble.EventConnectionFailed:
				log.Printf("ERROR: connection failed: %s", ev.Reason)
				shutdown(svc, 1)

			case ble.EventDisconnected:
				log.Printf("Disconnected: %s", ev.Reason)
				shutdown(svc, 1)
			}

		case res := <-scanDone:
			if res.err != nil {
				log.Printf("ERROR: scan: %v", res.err)
				shutdown(svc, 1)
			}
			printResults(res.found)

			target, ok := pickTarget(cfg.Connect, res.found)
			if !ok {
				log.Println("Nothing to connect to. Set connect.address or connect.auto to connect.")
				shutdown(svc, 0)
			}
			log.Printf("Connecting to %s...", target.Address)
			if err := svc.Connect(ctx, target); err != nil {
				log.Printf("ERROR: connect: %v", err)
				shutdown(svc, 1)
			}

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			cancel()
			shutdown(svc, 0)
		}
	}
}

// verify checks the fresh session answers and drops it when it does not.
func verify(ctx context.Context, svc *ble.Service, timeout time.Duration) {
	st := svc.CurrentState()
	if st.Phase != ble.Connected {
		return
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if svc.VerifyReachable(vctx, st.Handle) {
		log.Printf("Terminal %s is reachable. Ctrl+C to quit.", st.Peripheral.Address)
		return
	}
	log.Printf("ERROR: terminal %s did not answer, disconnecting", st.Peripheral.Address)
	if err := svc.Disconnect(ctx); err != nil {
		log.Printf("ERROR: disconnect: %v", err)
	}
}

// shutdown disconnects, stops the service and exits.
func shutdown(svc *ble.Service, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Disconnect(ctx); err != nil && !errors.Is(err, ble.ErrClosed) {
		log.Printf("ERROR: disconnect: %v", err)
	}
	_ = svc.Close()
	log.Println("Goodbye!")
	os.Exit(code)
}

// enableAdapter fulfils the service's enable request. With BlueZ and
// power_on set the adapter is switched on directly; otherwise the operator
// has to do it.
func enableAdapter(ctx context.Context, svc *ble.Service, store *bluez.Store, powerOn bool) error {
	req := svc.RequestEnable()
	if store == nil || !powerOn {
		return fmt.Errorf("%s (or set adapter.power_on)", req.Action)
	}
	log.Println("Powering on Bluetooth adapter...")
	if err := store.SetPowered(ctx, true); err != nil {
		return err
	}
	if !waitEnabled(ctx, svc.Enabled, 5, 8) {
		return errors.New("adapter did not power on")
	}
	return nil
}

// waitEnabled polls enabled with exponential backoff, at most attempts times.
func waitEnabled(ctx context.Context, enabled func() bool, attempts, maxSeconds int) bool {
	for attempt := 0; attempt < attempts; attempt++ {
		if enabled() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt, maxSeconds)):
		}
	}
	return enabled()
}

// backoffDelay returns the delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// pickTarget chooses what to connect to after a scan: the configured address
// (using the scanned record when there is one), or the only match when auto
// is set.
func pickTarget(cc config.ConnectConfig, found ble.Batch) (ble.Peripheral, bool) {
	if cc.Address != "" {
		for _, p := range found {
			if p.Address == cc.Address {
				return p, true
			}
		}
		return ble.Peripheral{Address: cc.Address}, true
	}
	if cc.Auto && len(found) == 1 {
		return found[0], true
	}
	return ble.Peripheral{}, false
}

// logSink stands in for the payment-terminal protocol client.
type logSink struct{}

func (logSink) SessionStarted(s *ble.Session) {
	slog.Info("[SESSION] started", "session", string(s.Handle()), "address", s.Peripheral().Address)
}

func (logSink) SessionEnded(h ble.SessionHandle, reason ble.ConnectReason) {
	slog.Info("[SESSION] ended", "session", string(h), "reason", string(reason))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

func printResults(found ble.Batch) {
	if len(found) == 0 {
		fmt.Println("No terminals found.")
		return
	}
	fmt.Println("Terminals:")
	for i, p := range found {
		paired := ""
		if p.Paired {
			paired = " [paired]"
		}
		fmt.Printf("  %d. %s (%s)%s\n", i+1, p.Name, p.Address, paired)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := cfg.Connect.Address
	switch {
	case target != "":
	case cfg.Connect.Auto:
		target = "auto (single match)"
	default:
		target = "none (scan only)"
	}
	fmt.Println("=== kiosk-peripheral ===")
	fmt.Printf("  Adapter: %s (bluez: %t)\n", cfg.Adapter.ID, cfg.Adapter.UseBlueZ)
	fmt.Printf("  Filter:  name contains %q\n", cfg.Peripheral.NameMarker)
	fmt.Printf("  Scan:    %s\n", cfg.Scan.Duration)
	fmt.Printf("  Connect: %s (timeout %s)\n", target, cfg.Connect.Timeout)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("========================")
}

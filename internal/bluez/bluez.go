// Package bluez reads the host's bonded-device list and adapter power state
// from BlueZ over the D-Bus system bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/mexikhana/kiosk/internal/ble"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// DefaultAdapter is the adapter used when none is configured.
const DefaultAdapter = "hci0"

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Store is a handle on one BlueZ adapter. It implements ble.PairedStore and
// ble.PowerSource.
type Store struct {
	bus     *dbus.Conn
	adapter dbus.ObjectPath

	mu     sync.Mutex
	closed bool
	// cleanup runs in reverse order on Close.
	cleanup []func()
}

// Open connects to the system bus and binds to adapter (e.g. "hci0"). It
// fails when BlueZ does not know the adapter.
func Open(adapter string) (*Store, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	s := &Store{
		bus:     bus,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
	}
	s.cleanup = append(s.cleanup, func() { _ = bus.Close() })

	if _, err := s.adapterObject().GetProperty(adapterIface + ".Address"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("bluez: adapter %s: %w", adapter, err)
	}
	return s, nil
}

func (s *Store) adapterObject() dbus.BusObject {
	return s.bus.Object(bluezService, s.adapter)
}

// Paired lists the devices bonded with this adapter.
func (s *Store) Paired(ctx context.Context) ([]ble.Observation, error) {
	var objs managedObjects
	call := s.bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return pairedFromObjects(s.adapter, objs), nil
}

// Powered reports Adapter1.Powered.
func (s *Store) Powered() (bool, error) {
	v, err := s.adapterObject().GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("bluez: read Powered: %w", err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has type %s", v.Signature())
	}
	return on, nil
}

// SetPowered switches the adapter on or off. It is how the CLI fulfils an
// enable request on hosts where no user prompt exists.
func (s *Store) SetPowered(ctx context.Context, on bool) error {
	call := s.adapterObject().CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("bluez: set Powered=%t: %w", on, call.Err)
	}
	return nil
}

// WatchPowered calls fn with every change of Adapter1.Powered until ctx is
// done or the store is closed. fn runs on a dedicated goroutine.
func (s *Store) WatchPowered(ctx context.Context, fn func(powered bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("bluez: closed")
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(s.adapter),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := s.bus.AddMatchSignal(opts...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	s.bus.Signal(sigCh)

	stop := make(chan struct{})
	var once sync.Once
	s.cleanup = append(s.cleanup, func() {
		once.Do(func() { close(stop) })
		s.bus.RemoveSignal(sigCh)
		_ = s.bus.RemoveMatchSignal(opts...)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != s.adapter {
					continue
				}
				if on, ok := poweredFromChange(sig.Body); ok {
					slog.Debug("[BLUEZ] power changed", "adapter", string(s.adapter), "powered", on)
					fn(on)
				}
			}
		}
	}()
	return nil
}

// Close releases the signal subscriptions and the bus. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

var (
	_ ble.PairedStore = (*Store)(nil)
	_ ble.PowerSource = (*Store)(nil)
)

// Helpers

// pairedFromObjects picks the paired Device1 objects that belong to adapter.
func pairedFromObjects(adapter dbus.ObjectPath, objs managedObjects) []ble.Observation {
	prefix := string(adapter) + "/"
	var out []ble.Observation
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		o, paired := deviceFromProps(path, props)
		if paired {
			out = append(out, o)
		}
	}
	return out
}

// deviceFromProps decodes Device1 properties and reports whether the device
// is paired.
func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (ble.Observation, bool) {
	var o ble.Observation
	if v, ok := props["Address"]; ok {
		o.Address, _ = v.Value().(string)
	}
	if o.Address == "" {
		o.Address = macFromPath(path)
	}
	if v, ok := props["Name"]; ok {
		o.Name, _ = v.Value().(string)
	}
	if o.Name == "" {
		// BlueZ falls back to Alias for devices that never sent a name
		if v, ok := props["Alias"]; ok {
			alias, _ := v.Value().(string)
			if alias != strings.ReplaceAll(o.Address, ":", "-") {
				o.Name = alias
			}
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			o.RSSI = int(rssi)
		}
	}
	if v, ok := props["Paired"]; ok {
		o.Paired, _ = v.Value().(bool)
	}
	return o, o.Paired
}

// poweredFromChange extracts Powered from a PropertiesChanged body.
func poweredFromChange(body []interface{}) (bool, bool) {
	if len(body) < 2 {
		return false, false
	}
	iface, ok := body[0].(string)
	if !ok || iface != adapterIface {
		return false, false
	}
	changes, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changes["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

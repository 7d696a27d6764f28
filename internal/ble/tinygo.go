package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoRadio drives the host radio through tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS). On macOS addresses are CoreBluetooth UUIDs
// rather than MAC addresses; both are carried as strings.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	present bool

	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by address
}

// NewTinyGoRadio enables the adapter named id ("hci0", "hci1" on Linux; the
// default adapter elsewhere or when id is empty). A host where enabling fails
// is treated as having no radio at all; the error is returned for logging.
func NewTinyGoRadio(id string) (*TinyGoRadio, error) {
	r := &TinyGoRadio{
		adapter: hostAdapter(id),
		links:   make(map[string]*tinyGoLink),
	}
	if err := r.adapter.Enable(); err != nil {
		return r, fmt.Errorf("ble: enable adapter: %w", err)
	}
	r.present = true

	// tinygo reports peripheral disconnects on the adapter, not the device.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		r.mu.Lock()
		l, ok := r.links[addr]
		delete(r.links, addr)
		r.mu.Unlock()
		if ok {
			l.fireDisconnect()
		}
	})
	return r, nil
}

func (r *TinyGoRadio) Present() bool { return r.present }

// Enabled mirrors Present: tinygo has no power query of its own. Hosts with
// BlueZ pair the radio with a PowerSource for the real answer.
func (r *TinyGoRadio) Enabled() bool { return r.present }

func (r *TinyGoRadio) Scan(ctx context.Context, found func(Observation)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := r.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Observation{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (r *TinyGoRadio) Connect(ctx context.Context, address string) (Link, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// Connect blocks with its own timeout; ctx only lets us stop waiting.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// a late success must not leave the peripheral connected
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, res.err)
		}
		l := &tinyGoLink{radio: r, address: address, device: res.device}
		r.mu.Lock()
		r.links[address] = l
		r.mu.Unlock()
		return l, nil
	}
}

var _ Radio = (*TinyGoRadio)(nil)

type tinyGoLink struct {
	radio   *TinyGoRadio
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

// Probe runs a GATT service discovery, which needs a live link.
func (l *tinyGoLink) Probe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, err := l.device.DiscoverServices(nil)
		errc <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("ble: discover services: %w", err)
		}
		return nil
	}
}

func (l *tinyGoLink) Close() error {
	l.radio.mu.Lock()
	if l.radio.links[l.address] == l {
		delete(l.radio.links, l.address)
	}
	l.radio.mu.Unlock()
	return l.device.Disconnect()
}

func (l *tinyGoLink) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
}

func (l *tinyGoLink) fireDisconnect() {
	l.mu.Lock()
	cb := l.disconnectCb
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

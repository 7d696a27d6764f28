// Package ble owns the kiosk's link to its point-of-sale peripheral. It runs
// scans, filters and deduplicates what the radio reports, manages the single
// logical session with the chosen peripheral, and fans session events out to
// any number of observers.
package ble

import "context"

// DefaultNameMarker is the advertised-name substring that identifies a
// payment terminal.
const DefaultNameMarker = "Clover"

// Observation is a raw peripheral sighting reported by the platform, either
// from the paired-device store or from a live scan.
type Observation struct {
	Address string
	Name    string // empty when the peripheral did not advertise a name
	RSSI    int
	Paired  bool
}

// Peripheral identifies a discoverable peripheral. Two peripherals are the
// same peripheral when their addresses match.
type Peripheral struct {
	Address string
	Name    string
	Paired  bool
}

func peripheralFrom(o Observation) Peripheral {
	return Peripheral{Address: o.Address, Name: o.Name, Paired: o.Paired}
}

// Link is an established radio connection to a peripheral.
type Link interface {
	// Probe performs a best-effort round trip to check the peer still answers.
	Probe(ctx context.Context) error
	// Close terminates the connection.
	Close() error
	// OnDisconnect registers a callback invoked when the connection drops.
	// The callback runs on a platform goroutine.
	OnDisconnect(callback func())
}

// Radio abstracts the platform wireless adapter for testing.
type Radio interface {
	// Present reports whether the host has a usable radio at all.
	Present() bool
	// Enabled reports whether the radio is powered on.
	Enabled() bool
	// Scan listens for advertisements and calls found for each one until ctx
	// is cancelled or the platform ends the scan. It blocks for the whole scan.
	Scan(ctx context.Context, found func(Observation)) error
	// Connect establishes a connection to the peripheral at address.
	Connect(ctx context.Context, address string) (Link, error)
}

// PairedStore lists the peripherals the platform has already bonded with.
type PairedStore interface {
	Paired(ctx context.Context) ([]Observation, error)
}

// PowerSource reports the adapter power state when the radio backend cannot.
type PowerSource interface {
	Powered() (bool, error)
}

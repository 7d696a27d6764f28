//go:build !linux

package ble

import (
	"log/slog"

	"tinygo.org/x/bluetooth"
)

// hostAdapter returns the only adapter the platform exposes. Adapter names
// are a BlueZ concept and are ignored here.
func hostAdapter(id string) *bluetooth.Adapter {
	if id != "" {
		slog.Debug("[BLE] adapter id ignored on this platform", "id", id)
	}
	return bluetooth.DefaultAdapter
}

package ble

import "tinygo.org/x/bluetooth"

// hostAdapter returns the BlueZ adapter named id, e.g. "hci1".
func hostAdapter(id string) *bluetooth.Adapter {
	if id == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}

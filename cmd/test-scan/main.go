// Command test-scan is a manual probe of the host radio. It prints every
// advertisement seen for a while, marking the ones the terminal filter
// would accept.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 10s] [--marker Clover] [--adapter hci1]
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/mexikhana/kiosk/internal/ble"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	adapterID := flag.String("adapter", "", "adapter name on Linux, e.g. hci1 (default adapter when empty)")
	marker := flag.String("marker", ble.DefaultNameMarker, "advertised-name substring of a terminal")
	flag.Parse()

	radio, err := ble.NewTinyGoRadio(*adapterID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	filter := ble.NameContains(*marker)
	fmt.Printf("Scanning for %s (filter: name contains %q)...\n", *duration, *marker)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	err = radio.Scan(ctx, func(o ble.Observation) {
		mu.Lock()
		defer mu.Unlock()
		if seen[o.Address] {
			return
		}
		seen[o.Address] = true

		mark := " "
		if filter.Matches(o) {
			mark = "*"
		}
		name := o.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("%s %-20s %4d dBm  %s\n", mark, o.Address, o.RSSI, name)
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("\nDone! %d device(s) seen, * = terminal.\n", len(seen))
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/mexikhana/kiosk/internal/ble"
	"github.com/mexikhana/kiosk/internal/config"
)

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 8)
		if got != want {
			t.Errorf("backoffDelay(%d, 8) = %v, want %v", i, got, want)
		}
	}
}

func TestWaitEnabledReturnsImmediately(t *testing.T) {
	start := time.Now()
	if !waitEnabled(context.Background(), func() bool { return true }, 5, 8) {
		t.Fatal("waitEnabled() = false for an enabled adapter")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("waitEnabled() slept although the adapter was already enabled")
	}
}

func TestWaitEnabledHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if waitEnabled(ctx, func() bool { return false }, 5, 8) {
		t.Error("waitEnabled() = true for an adapter that never powers on")
	}
}

func TestPickTarget(t *testing.T) {
	mini := ble.Peripheral{Address: "AA:01", Name: "Clover Mini"}
	flex := ble.Peripheral{Address: "AA:02", Name: "Clover Flex", Paired: true}

	tests := []struct {
		name   string
		cc     config.ConnectConfig
		found  ble.Batch
		want   ble.Peripheral
		wantOK bool
	}{
		{"scan only", config.ConnectConfig{}, ble.Batch{mini}, ble.Peripheral{}, false},
		{"auto single", config.ConnectConfig{Auto: true}, ble.Batch{mini}, mini, true},
		{"auto ambiguous", config.ConnectConfig{Auto: true}, ble.Batch{mini, flex}, ble.Peripheral{}, false},
		{"auto none", config.ConnectConfig{Auto: true}, nil, ble.Peripheral{}, false},
		{"address found", config.ConnectConfig{Address: "AA:02"}, ble.Batch{mini, flex}, flex, true},
		{"address not seen", config.ConnectConfig{Address: "AA:09"}, ble.Batch{mini}, ble.Peripheral{Address: "AA:09"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickTarget(tt.cc, tt.found)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("pickTarget() = %+v, %v, want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

package device

import (
	"errors"
	"testing"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

func TestEntriesFor(t *testing.T) {
	tests := []struct {
		speed Speed
		burst uint8
		want  int
	}{
		{SpeedHigh, 0, 2},
		{SpeedHigh, 15, 2},
		{SpeedSuper, 0, 1},
		{SpeedSuper, 3, 4},
		{SpeedSuper, 15, 16},
		{SpeedNone, 7, 2},
	}
	for _, tt := range tests {
		if got := EntriesFor(tt.speed, tt.burst); got != tt.want {
			t.Errorf("EntriesFor(%s, %d) = %d, want %d", tt.speed, tt.burst, got, tt.want)
		}
	}
}

func TestAllocatorReserve(t *testing.T) {
	var a allocator

	in, err := a.reserve(SpeedHigh, EndpointConfig{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.reserve(SpeedHigh, EndpointConfig{Address: 0x01, Type: hal.TransferBulk, MaxPacketSize: 512})
	if err != nil {
		t.Fatal(err)
	}

	if in != (Allocation{FirstEntry: 0, Entries: 2, Offset: 0, Slot: 0}) {
		t.Errorf("first allocation = %+v", in)
	}
	// 512-byte packets, two entries: 2*512/8 words.
	if out != (Allocation{FirstEntry: 2, Entries: 2, Offset: 128, Slot: 1}) {
		t.Errorf("second allocation = %+v", out)
	}
	if e, s := a.used(); e != 4 || s != 2 {
		t.Errorf("used() = %d, %d", e, s)
	}

	a.reset()
	if e, s := a.used(); e != 0 || s != 0 {
		t.Errorf("after reset used() = %d, %d", e, s)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	t.Run("entries", func(t *testing.T) {
		var a allocator
		big := EndpointConfig{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: 7}
		if _, err := a.reserve(SpeedSuper, big); err != nil {
			t.Fatal(err)
		}
		big.Address = 0x01
		_, err := a.reserve(SpeedSuper, big)
		if !errors.Is(err, pkg.ErrResourceExhausted) {
			t.Fatalf("reserve() error = %v, want %v", err, pkg.ErrResourceExhausted)
		}
		// Nothing consumed by the failed reservation.
		if e, s := a.used(); e != 8 || s != 1 {
			t.Errorf("used() = %d, %d, want 8, 1", e, s)
		}
	})

	t.Run("slots", func(t *testing.T) {
		var a allocator
		for i := 0; i < DMASlots; i++ {
			ep := EndpointConfig{Address: uint8(i + 1), Type: hal.TransferInterrupt, MaxPacketSize: 8}
			if _, err := a.reserve(SpeedSuper, ep); err != nil {
				t.Fatalf("endpoint %d: %v", i, err)
			}
		}
		_, err := a.reserve(SpeedSuper, EndpointConfig{Address: 0x8F, Type: hal.TransferInterrupt, MaxPacketSize: 8})
		if !errors.Is(err, pkg.ErrResourceExhausted) {
			t.Fatalf("reserve() error = %v, want %v", err, pkg.ErrResourceExhausted)
		}
	})
}

func TestPlan(t *testing.T) {
	plan, err := Plan(SpeedSuper, DefaultEndpoints(SpeedSuper))
	if err != nil {
		t.Fatal(err)
	}
	want := []hal.FIFOConfig{
		{Address: 0x01, Type: hal.TransferBulk, MaxPacketSize: 1024, FirstEntry: 0, Entries: 4, Offset: 0, Slot: 0},
		{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 1024, FirstEntry: 4, Entries: 4, Offset: 512, Slot: 1},
		{Address: 0x82, Type: hal.TransferInterrupt, MaxPacketSize: 1024, FirstEntry: 8, Entries: 1, Offset: 1024, Slot: 2},
	}
	if len(plan) != len(want) {
		t.Fatalf("Plan() returned %d entries", len(plan))
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Errorf("plan[%d] = %+v, want %+v", i, plan[i], want[i])
		}
	}

	over := append(DefaultEndpoints(SpeedSuper), EndpointConfig{Address: 0x03, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: 3})
	plan, err = Plan(SpeedSuper, over)
	if !errors.Is(err, pkg.ErrResourceExhausted) {
		t.Fatalf("Plan(over) error = %v", err)
	}
	if len(plan) != 3 {
		t.Errorf("Plan(over) kept %d entries, want 3", len(plan))
	}
}

package device

import (
	"fmt"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Allocation is the slice of shared controller resources owned by one
// endpoint.
type Allocation struct {
	FirstEntry int
	Entries    int
	Offset     uint32 // 8-byte words
	Slot       int
}

// EntriesFor returns the FIFO entries an endpoint needs at speed: one more
// than the burst length at SuperSpeed, two (double buffering) otherwise.
func EntriesFor(speed Speed, burst uint8) int {
	if speed == SpeedSuper {
		return int(burst) + 1
	}
	return 2
}

// allocator hands out FIFO entries, FIFO offset and DMA slots first-fit in
// open order. It never frees individual endpoints; the whole pool is reset
// when the configuration is torn down.
type allocator struct {
	entry  int
	offset uint32
	slot   int
}

func (a *allocator) reset() { *a = allocator{} }

// reserve carves the next allocation for ep. On exhaustion nothing is
// consumed.
func (a *allocator) reserve(speed Speed, ep EndpointConfig) (Allocation, error) {
	n := EntriesFor(speed, ep.MaxBurst)
	if a.entry+n > FIFOEntries {
		return Allocation{}, fmt.Errorf("endpoint 0x%02X needs %d FIFO entries, %d free: %w",
			ep.Address, n, FIFOEntries-a.entry, pkg.ErrResourceExhausted)
	}
	if a.slot >= DMASlots {
		return Allocation{}, fmt.Errorf("endpoint 0x%02X: no DMA slot free: %w",
			ep.Address, pkg.ErrResourceExhausted)
	}
	al := Allocation{FirstEntry: a.entry, Entries: n, Offset: a.offset, Slot: a.slot}
	a.entry += n
	a.offset += uint32(ep.MaxPacketSize) / 8 * uint32(n)
	a.slot++
	return al, nil
}

func (a *allocator) used() (entries, slots int) { return a.entry, a.slot }

// Plan runs the allocator over eps without touching hardware and returns the
// FIFO programming each endpoint would receive.
func Plan(speed Speed, eps []EndpointConfig) ([]hal.FIFOConfig, error) {
	var a allocator
	out := make([]hal.FIFOConfig, 0, len(eps))
	for _, ep := range eps {
		al, err := a.reserve(speed, ep)
		if err != nil {
			return out, err
		}
		out = append(out, fifoConfig(ep, al))
	}
	return out, nil
}

func fifoConfig(ep EndpointConfig, al Allocation) hal.FIFOConfig {
	return hal.FIFOConfig{
		Address:       ep.Address,
		Type:          ep.Type,
		MaxPacketSize: ep.MaxPacketSize,
		FirstEntry:    al.FirstEntry,
		Entries:       al.Entries,
		Offset:        al.Offset,
		Slot:          al.Slot,
	}
}

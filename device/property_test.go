package device

import (
	"bytes"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"pgregory.net/rapid"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/pkg"
)

func endpointGen(speed Speed) *rapid.Generator[EndpointConfig] {
	return rapid.Custom(func(t *rapid.T) EndpointConfig {
		ep := EndpointConfig{
			Address:       rapid.Uint8Range(1, 15).Draw(t, "number") | rapid.SampledFrom([]uint8{0x00, 0x80}).Draw(t, "dir"),
			Type:          rapid.SampledFrom([]hal.TransferType{hal.TransferBulk, hal.TransferInterrupt}).Draw(t, "type"),
			MaxPacketSize: 8 * rapid.Uint16Range(1, 128).Draw(t, "mps8"),
			Interval:      rapid.Uint8Range(1, 16).Draw(t, "interval"),
		}
		if speed == SpeedSuper {
			ep.MaxBurst = rapid.Uint8Range(0, 15).Draw(t, "burst")
		}
		return ep
	})
}

// Every endpoint placed by the allocator sits directly after its
// predecessor, and the plan stops at the first endpoint that does not fit.
func TestPlanProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		speed := rapid.SampledFrom([]Speed{SpeedHigh, SpeedSuper}).Draw(t, "speed")
		eps := rapid.SliceOfN(endpointGen(speed), 0, 12).Draw(t, "endpoints")

		plan, err := Plan(speed, eps)

		var entry int
		var offset uint32
		for i, f := range plan {
			want := EntriesFor(speed, eps[i].MaxBurst)
			if f.Entries != want || f.FirstEntry != entry || f.Offset != offset || f.Slot != i {
				t.Fatalf("plan[%d] = %+v, want first %d entries %d offset %d slot %d",
					i, f, entry, want, offset, i)
			}
			entry += f.Entries
			offset += uint32(eps[i].MaxPacketSize) / 8 * uint32(f.Entries)
		}
		if entry > FIFOEntries || len(plan) > DMASlots {
			t.Fatalf("plan uses %d entries and %d slots", entry, len(plan))
		}

		if len(plan) == len(eps) {
			if err != nil {
				t.Fatalf("Plan() error = %v with every endpoint placed", err)
			}
			return
		}
		if !errors.Is(err, pkg.ErrResourceExhausted) {
			t.Fatalf("Plan() error = %v, want %v", err, pkg.ErrResourceExhausted)
		}
		next := EntriesFor(speed, eps[len(plan)].MaxBurst)
		if entry+next <= FIFOEntries && len(plan) < DMASlots {
			t.Fatalf("endpoint %d rejected with %d entries and %d slots free",
				len(plan), FIFOEntries-entry, DMASlots-len(plan))
		}
	})
}

func TestConfigBuilderProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		speed := rapid.SampledFrom([]Speed{SpeedHigh, SpeedSuper}).Draw(t, "speed")
		eps := rapid.SliceOfN(endpointGen(speed), 0, 8).Draw(t, "endpoints")

		b := &ConfigBuilder{SuperSpeed: speed == SpeedSuper}
		b.Interface(InterfaceDescriptor{InterfaceClass: ClassVendor})
		for _, ep := range eps {
			b.Endpoint(ep)
		}
		config := b.Bytes()

		got, err := ParseEndpoints(config)
		if err != nil {
			t.Fatalf("ParseEndpoints() error = %v", err)
		}
		if len(got) != len(eps) {
			t.Fatalf("ParseEndpoints() returned %d endpoints, want %d", len(got), len(eps))
		}
		for i := range eps {
			if got[i] != eps[i] {
				t.Fatalf("endpoint %d = %+v, want %+v", i, got[i], eps[i])
			}
		}
		if config[ConfigurationDescriptorSize+4] != uint8(len(eps)) {
			t.Fatalf("interface declares %d endpoints", config[ConfigurationDescriptorSize+4])
		}
	})
}

func TestStringDescriptorProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		var buf [255]byte
		n := StringDescriptorTo(buf[:], s)
		if n < 2 || n > 254 || n%2 != 0 || int(buf[0]) != n {
			t.Fatalf("StringDescriptorTo(%q) = %d, header %d", s, n, buf[0])
		}
		if utf8.RuneCountInString(s) <= 100 && n < 2+2*utf8.RuneCountInString(s) {
			t.Fatalf("StringDescriptorTo(%q) = %d, too short", s, n)
		}
	})
}

// A bulk send ends with a zero-length packet exactly when its length is a
// multiple of the packet size, and the host receives the payload intact.
func TestBulkSendPacketProperties(t *testing.T) {
	h := newHarness(t, Config{}, sim.WithAutoDrain())
	h.configure(SpeedHigh)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4096).Draw(rt, "n")
		buf := pattern(n)

		packetsBefore := len(h.hw.Packets(DefaultBulkIn))
		bytesBefore := len(h.hw.Received(DefaultBulkIn))
		if err := h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, n, time.Second); err != nil {
			rt.Fatalf("BulkSend(%d) error = %v", n, err)
		}

		packets := h.hw.Packets(DefaultBulkIn)[packetsBefore:]
		sum := 0
		for i, p := range packets {
			if p > 512 || (p < 512 && i != len(packets)-1) {
				rt.Fatalf("packets = %v", packets)
			}
			sum += p
		}
		if sum != n {
			rt.Fatalf("packets %v sum to %d, want %d", packets, sum, n)
		}
		if zlp := packets[len(packets)-1] == 0; zlp != (n%512 == 0) {
			rt.Fatalf("n = %d, packets = %v", n, packets)
		}
		if got := h.hw.Received(DefaultBulkIn)[bytesBefore:]; !bytes.Equal(got, buf.Bytes()[:n]) {
			rt.Fatalf("host received %d bytes that differ from the %d sent", len(got), n)
		}
	})
}

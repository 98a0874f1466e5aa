package hal

import (
	"context"
	"fmt"
)

// Speed represents the negotiated link speed.
type Speed uint8

// Link speeds supported by the dual-speed controller.
const (
	SpeedNone  Speed = iota // No link
	SpeedHigh               // High Speed (480 Mbit/s)
	SpeedSuper              // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "No Link"
	}
}

// MaxPacketSize0 returns the control endpoint packet size at this speed.
func (s Speed) MaxPacketSize0() int {
	switch s {
	case SpeedSuper:
		return 512
	case SpeedHigh:
		return 64
	default:
		return 0
	}
}

// DeviceEvents is the "device status/control" interrupt group. Bits are
// read-to-clear via [Controller.DeviceEvents].
type DeviceEvents uint32

// Device status/control interrupt bits.
const (
	EventVBUS          DeviceEvents = 1 << iota // VBUS changed; query Controller.VBUS
	EventU1Entry                                // SuperSpeed U1 entry
	EventU1Exit                                 // SuperSpeed U1 exit
	EventU2Entry                                // SuperSpeed U2 entry
	EventU2Exit                                 // SuperSpeed U2 exit
	EventU3Entry                                // SuperSpeed U3 (suspend) entry
	EventU3Exit                                 // SuperSpeed U3 exit
	EventWarmReset                              // SuperSpeed warm reset
	EventHotReset                               // SuperSpeed hot reset
	EventSuspend                                // High Speed suspend
	EventResume                                 // High Speed resume
	EventBusReset                               // High Speed bus reset
	EventCommandAbort                           // EP0 transfer aborted by a new SETUP
	EventCommandFail                            // EP0 transfer terminated early by host
	EventDataIn                                 // EP0 ready for the next IN packet
	EventDataOut                                // EP0 has OUT data in its FIFO
	EventStatus                                 // EP0 status stage / command end
	EventSetup                                  // SETUP packet latched
)

// Has reports whether every bit in mask is set.
func (e DeviceEvents) Has(mask DeviceEvents) bool {
	return e&mask == mask
}

// EndpointEvents is the "per-endpoint DMA/FIFO" interrupt group. Each field
// carries one bit per endpoint index (see [EndpointIndex]).
type EndpointEvents struct {
	DMA  uint32 // DMA descriptor completed
	FIFO uint32 // FIFO drained (one-shot, must be re-armed per use)
}

// Empty reports whether no endpoint bit is set.
func (e EndpointEvents) Empty() bool {
	return e.DMA == 0 && e.FIFO == 0
}

// MaxEndpointIndex is the number of endpoint indices (16 OUT + 16 IN).
const MaxEndpointIndex = 32

// EndpointIndex maps an endpoint address to its interrupt bit / table index.
// OUT endpoints occupy 0-15 and IN endpoints 16-31.
func EndpointIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// EndpointAddress is the inverse of [EndpointIndex].
func EndpointAddress(idx int) uint8 {
	if idx >= 16 {
		return uint8(idx-16) | 0x80
	}
	return uint8(idx)
}

// TransferType is the endpoint transfer type. Isochronous endpoints are not
// supported by the device controller.
type TransferType uint8

// Supported transfer types (values match bmAttributes bits 1:0).
const (
	TransferControl   TransferType = 0x00
	TransferBulk      TransferType = 0x02
	TransferInterrupt TransferType = 0x03
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "Control"
	case TransferBulk:
		return "Bulk"
	case TransferInterrupt:
		return "Interrupt"
	default:
		return fmt.Sprintf("Unsupported(%d)", uint8(t))
	}
}

// FIFOConfig assigns one endpoint its slice of the shared FIFO-entry pool
// and its DMA descriptor slot.
type FIFOConfig struct {
	Address       uint8
	Type          TransferType
	MaxPacketSize uint16
	FirstEntry    int    // first FIFO entry owned by the endpoint
	Entries       int    // number of contiguous FIFO entries
	Offset        uint32 // FIFO byte offset in 8-byte words
	Slot          int    // DMA descriptor slot
}

// PRDFlags are the mode bits of a DMA descriptor.
type PRDFlags uint8

// DMA descriptor mode bits.
const (
	PRDSingleBuffer       PRDFlags = 1 << iota // no chaining
	PRDLast                                    // last descriptor in the ring
	PRDInterruptOnComplete                     // raise the endpoint DMA bit on completion
	PRDOwned                                   // descriptor owned by the DMA engine
)

// PRDDefault is the only descriptor mode the driver programs.
const PRDDefault = PRDSingleBuffer | PRDLast | PRDInterruptOnComplete

// PRD is one single-buffer DMA descriptor.
type PRD struct {
	Buffer *DMABuffer
	Offset int  // byte offset into Buffer
	Length int  // bytes to move
	ZLP    bool // append a zero-length packet (IN only)
}

// InterruptHandler is invoked by the controller in interrupt context.
// It must not block.
type InterruptHandler func()

// Controller is the register-level boundary of the USB device controller.
//
// Every method corresponds to one register access (or a short fixed
// sequence of them); no method blocks. Methods marked "interrupt-safe" may
// be called from the [InterruptHandler].
type Controller interface {
	// Init resets the controller core and installs the interrupt handler.
	// The handler is never invoked concurrently with itself.
	Init(ctx context.Context, handler InterruptHandler) error

	// Close masks interrupts and releases the controller.
	Close() error

	// SetEnable connects (true) or disconnects (false) the D+/SS pull-up.
	SetEnable(on bool) error

	// SoftReset resets the device core without re-running Init.
	SoftReset() error

	// Speed returns the negotiated link speed. Interrupt-safe.
	Speed() Speed

	// VBUS reports whether VBUS is present. Interrupt-safe.
	VBUS() bool

	// DeviceEvents reads and clears the device status/control group.
	// Interrupt-safe.
	DeviceEvents() DeviceEvents

	// EndpointEvents reads and clears the per-endpoint DMA/FIFO group.
	// Interrupt-safe.
	EndpointEvents() EndpointEvents

	// SetFIFOInterrupt enables or disables the one-shot FIFO-empty interrupt
	// for addr. Interrupt-safe.
	SetFIFOInterrupt(addr uint8, enable bool)

	// SetupPending reports whether a SETUP packet is latched. Interrupt-safe.
	SetupPending() bool

	// ReadSetup copies the latched 8-byte SETUP packet into buf and releases
	// the latch. Returns the number of bytes copied. Interrupt-safe.
	ReadSetup(buf []byte) int

	// WriteEP0 loads at most one packet into the EP0 IN FIFO and returns the
	// number of bytes accepted. A zero-length data slice sends a ZLP.
	// Interrupt-safe.
	WriteEP0(data []byte) int

	// ReadEP0 drains one packet from the EP0 OUT FIFO, copying at most
	// len(buf) bytes, and returns the packet length. Bytes beyond len(buf)
	// are discarded. Interrupt-safe.
	ReadEP0(buf []byte) int

	// StallEP0 answers the current control transfer with STALL.
	// Interrupt-safe.
	StallEP0()

	// AckEP0 completes the status stage of the current control transfer.
	// Interrupt-safe.
	AckEP0()

	// ConfigureFIFO programs one endpoint's FIFO range and type.
	ConfigureFIFO(cfg FIFOConfig) error

	// ReleaseFIFOs deconfigures every non-control endpoint. Interrupt-safe.
	ReleaseFIFOs()

	// InitPRD sets the mode bits of a descriptor slot.
	InitPRD(slot int, flags PRDFlags)

	// ProgramPRD loads a descriptor slot and hands ownership to the DMA
	// engine. The slot must have been initialised with InitPRD.
	ProgramPRD(slot int, prd PRD) error

	// RingDoorbell sets the PRD-ready bit of slot. Only the given slot's bit
	// is affected.
	RingDoorbell(slot int)

	// DoorbellPending reports whether the hardware has not yet accepted the
	// last doorbell of slot.
	DoorbellPending(slot int) bool

	// SlotOwned reports whether the DMA engine still owns the descriptor in
	// slot. A completion seen while it does belongs to an earlier descriptor.
	// Interrupt-safe.
	SlotOwned(slot int) bool

	// TransferCount returns the bytes moved by the last completed descriptor
	// of slot. Interrupt-safe.
	TransferCount(slot int) int

	// FIFOEmpty reports whether the endpoint FIFO holds no data.
	// Interrupt-safe.
	FIFOEmpty(addr uint8) bool

	// HaltEndpoint clears the descriptor-owned bit of the endpoint's slot,
	// flushes its FIFO and clears any pending DMA or FIFO interrupt of the
	// endpoint. Interrupt-safe.
	HaltEndpoint(addr uint8)

	// StallEndpoint sets or clears the endpoint halt (STALL) condition.
	// Interrupt-safe.
	StallEndpoint(addr uint8, stall bool)

	// ResetSequence resets the endpoint data toggle / sequence number.
	// Interrupt-safe.
	ResetSequence(addr uint8)
}

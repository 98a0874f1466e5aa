package device

import (
	"fmt"

	"github.com/ardnew/softudc/device/hal"
)

// Speed is the negotiated link speed.
type Speed = hal.Speed

// Link speeds.
const (
	SpeedNone  = hal.SpeedNone
	SpeedHigh  = hal.SpeedHigh
	SpeedSuper = hal.SpeedSuper
)

// Controller limits.
const (
	// FIFOEntries is the size of the shared endpoint FIFO-entry pool.
	FIFOEntries = 12

	// DMASlots is the number of DMA descriptor slots.
	DMASlots = 8

	// MaxDMALength is the largest span one descriptor can move.
	MaxDMALength = 4 << 20

	// MaxInterruptPayload is the largest single InterruptSend.
	MaxInterruptPayload = 1024

	// MaxControlData is the largest EP0 data stage the driver stages.
	MaxControlData = 1024
)

// LinkStatus is reported to the link-status callback and to the class.
type LinkStatus uint8

// Link status values.
const (
	LinkDisconnected LinkStatus = iota
	LinkConnected
	LinkConfigured
	LinkBusReset
	LinkHotReset
	LinkWarmReset
	LinkSuspend
	LinkResume
	LinkU1Entry
	LinkU1Exit
	LinkU2Entry
	LinkU2Exit
	LinkU3Entry
	LinkU3Exit
)

var linkStatusNames = [...]string{
	LinkDisconnected: "Disconnected",
	LinkConnected:    "Connected",
	LinkConfigured:   "Configured",
	LinkBusReset:     "BusReset",
	LinkHotReset:     "HotReset",
	LinkWarmReset:    "WarmReset",
	LinkSuspend:      "Suspend",
	LinkResume:       "Resume",
	LinkU1Entry:      "U1Entry",
	LinkU1Exit:       "U1Exit",
	LinkU2Entry:      "U2Entry",
	LinkU2Exit:       "U2Exit",
	LinkU3Entry:      "U3Entry",
	LinkU3Exit:       "U3Exit",
}

func (s LinkStatus) String() string {
	if int(s) < len(linkStatusNames) {
		return linkStatusNames[s]
	}
	return fmt.Sprintf("LinkStatus(%d)", uint8(s))
}

// EndpointStatus is the state of one endpoint control block.
type EndpointStatus uint8

// Endpoint states. The legal edges are
//
//	NotAvailable -> ReadyIdle                 (configured)
//	ReadyIdle    -> Transferring | NotAvailable
//	Transferring -> TransferDone | Terminated | ReadyIdle | NotAvailable
//	TransferDone -> ReadyIdle | NotAvailable | Transferring
//	TransferDone -> Terminated                (reset while draining)
//	Terminated   -> ReadyIdle | NotAvailable
//
// Transferring -> ReadyIdle/NotAvailable is the timeout path.
// TransferDone -> Transferring re-arms the next chunk of a large transfer.
const (
	StatusNotAvailable EndpointStatus = iota
	StatusReadyIdle
	StatusTransferring
	StatusTransferDone
	StatusTerminated
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusNotAvailable:
		return "NotAvailable"
	case StatusReadyIdle:
		return "ReadyIdle"
	case StatusTransferring:
		return "Transferring"
	case StatusTransferDone:
		return "TransferDone"
	case StatusTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("EndpointStatus(%d)", uint8(s))
	}
}

var statusEdges = [...]uint8{
	StatusNotAvailable: 1<<StatusNotAvailable | 1<<StatusReadyIdle,
	StatusReadyIdle:    1<<StatusReadyIdle | 1<<StatusTransferring | 1<<StatusNotAvailable,
	StatusTransferring: 1<<StatusTransferDone | 1<<StatusTerminated | 1<<StatusReadyIdle | 1<<StatusNotAvailable,
	StatusTransferDone: 1<<StatusReadyIdle | 1<<StatusNotAvailable | 1<<StatusTransferring | 1<<StatusTerminated,
	StatusTerminated:   1<<StatusReadyIdle | 1<<StatusNotAvailable | 1<<StatusTerminated,
}

// CanTransition reports whether from -> to is a legal endpoint edge.
func CanTransition(from, to EndpointStatus) bool {
	return int(from) < len(statusEdges) && int(to) < 8 && statusEdges[from]&(1<<to) != 0
}

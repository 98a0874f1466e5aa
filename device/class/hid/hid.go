package hid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// MaxReportSize is the largest input or output report.
const MaxReportSize = 64

// Interface and endpoint of the HID function.
const (
	Interface   = 0
	InterruptIn = 0x81

	reportInterval = 4 // 2^(4-1) microframes, 1 ms
)

// HID is a single-interface HID class with one interrupt IN endpoint.
// Output reports arrive through SET_REPORT on EP0.
type HID struct {
	device.DescriptorClass

	// Timeout bounds each input report; zero waits forever.
	Timeout time.Duration

	reportDescriptor []byte
	hidDescriptor    [HIDDescriptorSize]byte

	mutex      sync.RWMutex
	ctrl       *device.Controller
	configured bool
	protocol   uint8
	idleRate   uint8 // 4 ms units, 0 is indefinite
	lastReport [MaxReportSize]byte
	lastLen    int

	onOutputReport func(data []byte)
	onSetProtocol  func(protocol uint8)
	onSetIdle      func(rate, reportID uint8)

	// EP0 buffers; only touched from interrupt context.
	outBuf  [MaxReportSize]byte
	respBuf [MaxReportSize]byte

	txMutex sync.Mutex
	tx      *hal.DMABuffer
}

// New returns a HID function described by id whose interface has the given
// subclass and protocol. reportDescriptor is kept by reference.
func New(id device.DescriptorIdentity, subclass, protocol uint8, reportDescriptor []byte) *HID {
	h := &HID{
		reportDescriptor: reportDescriptor,
		protocol:         ProtocolReport,
		tx:               hal.AllocDMABuffer(MaxReportSize),
	}
	(&HIDDescriptor{
		HIDVersion:    0x0111,
		CountryCode:   CountryNone,
		ReportDescLen: uint16(len(reportDescriptor)),
	}).MarshalTo(h.hidDescriptor[:])

	h.Set = device.BuildClassDescriptors(id, func(b *device.ConfigBuilder, _ device.Speed) {
		b.Interface(device.InterfaceDescriptor{
			InterfaceNumber:   Interface,
			InterfaceClass:    ClassHID,
			InterfaceSubClass: subclass,
			InterfaceProtocol: protocol,
		})
		b.Raw(h.hidDescriptor[:])
		b.Endpoint(device.EndpointConfig{
			Address:       InterruptIn,
			Type:          hal.TransferInterrupt,
			MaxPacketSize: MaxReportSize,
			Interval:      reportInterval,
		})
	})
	return h
}

// SetOnOutputReport sets the callback for SET_REPORT(Output). It runs in
// interrupt context and data is only valid for the call.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnSetProtocol sets the callback for SET_PROTOCOL.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for SET_IDLE.
func (h *HID) SetOnSetIdle(cb func(rate, reportID uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetIdle = cb
}

// Protocol returns the current protocol, boot or report.
func (h *HID) Protocol() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.protocol
}

// IdleRate returns the idle rate set by the host.
func (h *HID) IdleRate() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.idleRate
}

// Configured reports whether the host has selected the configuration.
func (h *HID) Configured() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.configured
}

func (h *HID) Init(c *device.Controller, speed device.Speed) error {
	if err := h.DescriptorClass.Init(c, speed); err != nil {
		return err
	}
	h.mutex.Lock()
	h.ctrl = c
	h.configured = true
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentClass, "HID configured", "reportDescLen", len(h.reportDescriptor))
	return nil
}

func (h *HID) DeInit(*device.Controller) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.configured = false
	h.protocol = ProtocolReport
	h.idleRate = 0
}

// HandleClass answers the HID class requests and the interface-level
// GET_DESCRIPTOR for the HID and report descriptors.
func (h *HID) HandleClass(c *device.Controller, setup *device.SetupPacket) device.Response {
	if setup.Recipient() != device.RequestRecipientInterface || setup.InterfaceNumber() != Interface {
		return device.ResponseStall
	}
	if setup.Type() == device.RequestTypeStandard {
		if setup.Request != device.RequestGetDescriptor {
			return device.ResponseStall
		}
		switch setup.DescriptorType() {
		case DescriptorTypeHID:
			return send(c, h.hidDescriptor[:])
		case DescriptorTypeReport:
			return send(c, h.reportDescriptor)
		}
		return device.ResponseStall
	}

	switch setup.Request {
	case RequestGetReport:
		h.mutex.RLock()
		n := copy(h.respBuf[:], h.lastReport[:h.lastLen])
		h.mutex.RUnlock()
		return send(c, h.respBuf[:n])

	case RequestSetReport:
		if uint8(setup.Value>>8) != ReportTypeOutput || c.ControlRead(h.outBuf[:], h.outputReport) != nil {
			return device.ResponseStall
		}
		return device.ResponseRunning

	case RequestGetIdle:
		h.mutex.RLock()
		h.respBuf[0] = h.idleRate
		h.mutex.RUnlock()
		return send(c, h.respBuf[:1])

	case RequestSetIdle:
		rate, id := uint8(setup.Value>>8), uint8(setup.Value)
		h.mutex.Lock()
		h.idleRate = rate
		cb := h.onSetIdle
		h.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentClass, "SET_IDLE", "rate", rate, "reportID", id)
		if cb != nil {
			cb(rate, id)
		}
		return device.ResponseAck

	case RequestGetProtocol:
		h.mutex.RLock()
		h.respBuf[0] = h.protocol
		h.mutex.RUnlock()
		return send(c, h.respBuf[:1])

	case RequestSetProtocol:
		p := uint8(setup.Value)
		if p > ProtocolReport {
			return device.ResponseStall
		}
		h.mutex.Lock()
		h.protocol = p
		cb := h.onSetProtocol
		h.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentClass, "SET_PROTOCOL", "protocol", p)
		if cb != nil {
			cb(p)
		}
		return device.ResponseAck
	}
	return device.ResponseStall
}

func (h *HID) outputReport(data []byte) device.Response {
	h.mutex.RLock()
	cb := h.onOutputReport
	h.mutex.RUnlock()
	if cb != nil {
		cb(data)
	}
	return device.ResponseAck
}

func send(c *device.Controller, data []byte) device.Response {
	if c.ControlSend(data) != nil {
		return device.ResponseStall
	}
	return device.ResponseRunning
}

// SendReport sends an input report on the interrupt endpoint. It fails with
// [pkg.ErrTransferInProgress] while the host has not read the previous one.
func (h *HID) SendReport(ctx context.Context, report []byte) error {
	if len(report) > MaxReportSize {
		return fmt.Errorf("report of %d bytes: %w", len(report), pkg.ErrInvalidParameter)
	}
	h.mutex.RLock()
	c, ok := h.ctrl, h.configured
	h.mutex.RUnlock()
	if !ok || c == nil {
		return pkg.ErrNotConfigured
	}

	h.txMutex.Lock()
	defer h.txMutex.Unlock()
	n := copy(h.tx.Bytes(), report)
	if err := c.InterruptSend(ctx, InterruptIn, h.tx, n, h.Timeout); err != nil {
		return err
	}
	h.mutex.Lock()
	h.lastLen = copy(h.lastReport[:], report)
	h.mutex.Unlock()
	return nil
}

// SendKeyboardReport encodes and sends r.
func (h *HID) SendKeyboardReport(ctx context.Context, r *KeyboardReport) error {
	var buf [KeyboardReportSize]byte
	return h.SendReport(ctx, buf[:r.MarshalTo(buf[:])])
}

// SendMouseReport encodes and sends r.
func (h *HID) SendMouseReport(ctx context.Context, r *MouseReport) error {
	var buf [MouseReportSize]byte
	return h.SendReport(ctx, buf[:r.MarshalTo(buf[:])])
}

var _ device.Class = (*HID)(nil)

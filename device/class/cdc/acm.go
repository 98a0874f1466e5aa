package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Endpoints and interfaces of the ACM function.
const (
	NotifyIn = 0x83
	DataOut  = 0x01
	DataIn   = 0x81

	ControlInterface = 0
	DataInterface    = 1

	notifyMaxPacket = 16
	notifyInterval  = 8
)

// BufferSize is the size of each DMA staging buffer. Reads and writes larger
// than this are split.
const BufferSize = 16 << 10

// ACM is a CDC-ACM class. Register it with [device.Config.Class] or
// [device.Controller.RegisterClass].
type ACM struct {
	device.DescriptorClass

	// Timeout bounds each bulk transfer; zero waits forever.
	Timeout time.Duration

	mutex        sync.RWMutex
	ctrl         *device.Controller
	configured   bool
	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	// EP0 buffers; only touched from interrupt context.
	lineBuf [LineCodingSize]byte

	rxMutex  sync.Mutex
	rx       *hal.DMABuffer
	txMutex  sync.Mutex
	tx       *hal.DMABuffer
	ntfMutex sync.Mutex
	ntf      *hal.DMABuffer
}

// NewACM returns an ACM function described by id. The interface and device
// class fields of id are overridden.
func NewACM(id device.DescriptorIdentity) *ACM {
	id.DeviceClass = ClassCDC
	return &ACM{
		DescriptorClass: device.DescriptorClass{Set: device.BuildClassDescriptors(id, layout)},
		lineCoding:      DefaultLineCoding,
		rx:              hal.AllocDMABuffer(BufferSize),
		tx:              hal.AllocDMABuffer(BufferSize),
		ntf:             hal.AllocDMABuffer(serialStateSize),
	}
}

func layout(b *device.ConfigBuilder, speed device.Speed) {
	mps, burst := uint16(512), uint8(0)
	if speed == device.SpeedSuper {
		mps, burst = 1024, 1
	}
	b.Interface(device.InterfaceDescriptor{
		InterfaceNumber:   ControlInterface,
		InterfaceClass:    ClassCDC,
		InterfaceSubClass: SubclassACM,
		InterfaceProtocol: ProtocolAT,
	})
	b.Raw(functionalDescriptors(ControlInterface, DataInterface))
	b.Endpoint(device.EndpointConfig{Address: NotifyIn, Type: hal.TransferInterrupt, MaxPacketSize: notifyMaxPacket, Interval: notifyInterval})
	b.Interface(device.InterfaceDescriptor{InterfaceNumber: DataInterface, InterfaceClass: ClassCDCData})
	b.Endpoint(device.EndpointConfig{Address: DataOut, Type: hal.TransferBulk, MaxPacketSize: mps, MaxBurst: burst})
	b.Endpoint(device.EndpointConfig{Address: DataIn, Type: hal.TransferBulk, MaxPacketSize: mps, MaxBurst: burst})
}

// SetOnLineCodingChange sets the callback for SET_LINE_CODING. It runs in
// interrupt context.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for SET_CONTROL_LINE_STATE. It
// runs in interrupt context.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for SEND_BREAK. It runs in interrupt context.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lineCoding
}

// DTR reports the Data Terminal Ready line.
func (a *ACM) DTR() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS reports the Request To Send line.
func (a *ACM) RTS() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineRTS != 0
}

// Configured reports whether the host has selected the configuration.
func (a *ACM) Configured() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.configured
}

func (a *ACM) Init(c *device.Controller, speed device.Speed) error {
	if err := a.DescriptorClass.Init(c, speed); err != nil {
		return err
	}
	a.mutex.Lock()
	a.ctrl = c
	a.configured = true
	a.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentClass, "CDC-ACM configured", "speed", speed.String())
	return nil
}

func (a *ACM) DeInit(*device.Controller) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.configured = false
	a.controlState = 0
}

// HandleClass answers the ACM requests addressed to the communications
// interface.
func (a *ACM) HandleClass(c *device.Controller, setup *device.SetupPacket) device.Response {
	if setup.Recipient() != device.RequestRecipientInterface || setup.InterfaceNumber() != ControlInterface {
		return device.ResponseStall
	}
	switch setup.Request {
	case RequestSetLineCoding:
		if setup.Length < LineCodingSize || c.ControlRead(a.lineBuf[:], a.setLineCoding) != nil {
			return device.ResponseStall
		}
		return device.ResponseRunning

	case RequestGetLineCoding:
		a.mutex.RLock()
		n := a.lineCoding.MarshalTo(a.lineBuf[:])
		a.mutex.RUnlock()
		if c.ControlSend(a.lineBuf[:n]) != nil {
			return device.ResponseStall
		}
		return device.ResponseRunning

	case RequestSetControlLineState:
		a.mutex.Lock()
		a.controlState = setup.Value
		cb := a.onControlStateChange
		a.mutex.Unlock()
		dtr, rts := setup.Value&ControlLineDTR != 0, setup.Value&ControlLineRTS != 0
		pkg.LogDebug(pkg.ComponentClass, "control line state", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
		return device.ResponseAck

	case RequestSendBreak:
		a.mutex.RLock()
		cb := a.onBreak
		a.mutex.RUnlock()
		pkg.LogDebug(pkg.ComponentClass, "break", "millis", setup.Value)
		if cb != nil {
			cb(setup.Value)
		}
		return device.ResponseAck
	}
	return device.ResponseStall
}

func (a *ACM) setLineCoding(data []byte) device.Response {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return device.ResponseStall
	}
	a.mutex.Lock()
	a.lineCoding = lc
	cb := a.onLineCodingChange
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "line coding",
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)
	if cb != nil {
		cb(&lc)
	}
	return device.ResponseAck
}

func (a *ACM) controller() (*device.Controller, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	if !a.configured || a.ctrl == nil {
		return nil, pkg.ErrNotConfigured
	}
	return a.ctrl, nil
}

// Read receives one bulk transfer from the host into buf and returns the
// bytes received. At most [BufferSize] bytes are read per call.
func (a *ACM) Read(ctx context.Context, buf []byte) (int, error) {
	c, err := a.controller()
	if err != nil {
		return 0, err
	}
	a.rxMutex.Lock()
	defer a.rxMutex.Unlock()
	n, err := c.BulkReceive(ctx, DataOut, a.rx, min(len(buf), BufferSize), a.Timeout)
	copy(buf, a.rx.Bytes()[:n])
	return n, err
}

// Write sends data to the host and returns the bytes sent.
func (a *ACM) Write(ctx context.Context, data []byte) (int, error) {
	c, err := a.controller()
	if err != nil {
		return 0, err
	}
	a.txMutex.Lock()
	defer a.txMutex.Unlock()
	var sent int
	for {
		n := copy(a.tx.Bytes(), data[sent:])
		if err := c.BulkSend(ctx, DataIn, a.tx, n, a.Timeout); err != nil {
			return sent, err
		}
		sent += n
		if sent == len(data) {
			return sent, nil
		}
	}
}

// SendSerialState reports state to the host as a SERIAL_STATE notification.
func (a *ACM) SendSerialState(ctx context.Context, state uint16) error {
	c, err := a.controller()
	if err != nil {
		return err
	}
	a.mutex.Lock()
	a.serialState = state
	a.mutex.Unlock()

	a.ntfMutex.Lock()
	defer a.ntfMutex.Unlock()
	n := serialStateNotification(a.ntf.Bytes(), ControlInterface, state)
	return c.InterruptSend(ctx, NotifyIn, a.ntf, n, a.Timeout)
}

// SerialState returns the last state sent with SendSerialState.
func (a *ACM) SerialState() uint16 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.serialState
}

var _ device.Class = (*ACM)(nil)

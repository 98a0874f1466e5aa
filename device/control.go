package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softudc/pkg"
)

type controlState uint32

const (
	controlIdle controlState = iota
	controlDataIn
	controlDataOut
	controlStatus
)

func (s controlState) String() string {
	return [...]string{"Idle", "DataIn", "DataOut", "Status"}[s]
}

// ep0Context is the EP0 scratch state. mu is held by the dispatcher for the
// whole EP0 section of an interrupt pass, so request handlers (and the
// ControlSend/ControlRead they call) run with it held. state is also read
// without the lock by WaitControlIdle.
type ep0Context struct {
	mu    sync.Mutex
	state atomic.Uint32

	setup   SetupPacket
	staging bool // a request handler is running and may stage a data stage
	mps     int

	buf       []byte
	pos       int
	remaining int // IN: bytes left to send. OUT: negative until all bytes arrive
	zlp       bool
	then      func(data []byte) Response

	raw     [SetupPacketSize]byte
	scratch [MaxControlData]byte
}

func (e *ep0Context) current() controlState { return controlState(e.state.Load()) }
func (e *ep0Context) set(s controlState)     { e.state.Store(uint32(s)) }

// ControlSend stages data as the IN data stage of the request being handled.
// It may only be called from a request handler, which must then return
// [ResponseRunning]. data is truncated to wLength and must stay valid until
// the stage completes. A response shorter than wLength that fills its last
// packet is terminated with a zero-length packet.
func (c *Controller) ControlSend(data []byte) error {
	e := &c.ep0
	if !e.staging || !e.setup.IsDeviceToHost() || e.setup.Length == 0 {
		return pkg.ErrInvalidState
	}
	e.stageIn(data)
	return nil
}

// ControlRead stages buf to receive the OUT data stage of the request being
// handled. It may only be called from a request handler, which must then
// return [ResponseRunning]. When the stage completes, then (if non-nil)
// decides the status handshake; a nil then acknowledges.
func (c *Controller) ControlRead(buf []byte, then func(data []byte) Response) error {
	e := &c.ep0
	if !e.staging || e.setup.IsDeviceToHost() || e.setup.Length == 0 {
		return pkg.ErrInvalidState
	}
	e.stageOut(buf, then)
	return nil
}

// stageIn loads the IN data stage of the current request.
func (e *ep0Context) stageIn(data []byte) {
	n := min(len(data), int(e.setup.Length))
	e.buf = data[:n]
	e.pos = 0
	e.remaining = n
	e.zlp = n < int(e.setup.Length) && n%e.mps == 0
	e.then = nil
	e.set(controlDataIn)
}

// stageOut loads the OUT data stage of the current request.
func (e *ep0Context) stageOut(buf []byte, then func(data []byte) Response) {
	e.buf = buf[:min(len(buf), int(e.setup.Length))]
	e.pos = 0
	e.remaining = -int(e.setup.Length)
	e.then = then
	e.set(controlDataOut)
}

// WaitControlIdle blocks until EP0 has no control transfer in progress, or
// until Config.ControlTimeout elapses.
func (c *Controller) WaitControlIdle(ctx context.Context) error {
	deadline := deadlineFor(c.cfg.ControlTimeout)
	for {
		c.wake.clear(0)
		if c.ep0.current() == controlIdle {
			return nil
		}
		if err := c.wake.wait(ctx, 0, deadline); err != nil {
			return err
		}
	}
}

// resetEP0 abandons any control transfer from outside the EP0 section.
func (c *Controller) resetEP0() {
	c.ep0.mu.Lock()
	defer c.ep0.mu.Unlock()
	c.ep0Idle()
}

// ep0Idle returns EP0 to Idle and wakes WaitControlIdle callers. Callers
// hold ep0.mu.
func (c *Controller) ep0Idle() {
	e := &c.ep0
	e.buf = nil
	e.then = nil
	e.zlp = false
	e.remaining = 0
	e.set(controlIdle)
	c.wake.post(0)
}

// handleSetup decodes the latched SETUP packet and routes it.
func (c *Controller) handleSetup() {
	e := &c.ep0
	n := c.hw.ReadSetup(e.raw[:])
	if err := ParseSetupPacket(e.raw[:n], &e.setup); err != nil {
		pkg.LogWarn(pkg.ComponentEP0, "malformed setup", "error", err)
		c.hw.StallEP0()
		return
	}
	e.mps = c.Speed().MaxPacketSize0()
	if e.mps == 0 {
		e.mps = 64
	}
	pkg.LogDebug(pkg.ComponentEP0, "setup", "packet", e.setup.String())

	cls := c.activeClass()
	e.staging = true
	var resp Response
	switch e.setup.Type() {
	case RequestTypeStandard:
		resp = c.standardRequest(cls, &e.setup)
	case RequestTypeClass:
		resp = cls.HandleClass(c, &e.setup)
	case RequestTypeVendor:
		resp = cls.HandleVendor(c, &e.setup)
	default:
		resp = ResponseStall
	}
	e.staging = false
	c.metrics.request(&e.setup, resp)
	c.respond(resp)
}

// respond applies a handler verdict. An ACK to a request that announced a
// data stage is carried out as an empty IN stage or a discarded OUT stage so
// the host sees a well-formed transfer.
func (c *Controller) respond(resp Response) {
	e := &c.ep0
	if resp == ResponseAck && e.setup.Length > 0 {
		if e.setup.IsDeviceToHost() {
			e.stageIn(nil)
		} else {
			e.stageOut(nil, nil)
		}
		resp = ResponseRunning
	}

	switch resp {
	case ResponseAck:
		c.hw.AckEP0()
		e.set(controlStatus)
		return
	case ResponseRunning:
		switch e.current() {
		case controlDataIn:
			c.sendNext()
			return
		case controlDataOut:
			return
		}
		pkg.LogWarn(pkg.ComponentEP0, "handler returned Running without a data stage", "packet", e.setup.String())
	}
	pkg.LogDebug(pkg.ComponentEP0, "stall", "packet", e.setup.String())
	c.hw.StallEP0()
	c.ep0Idle()
}

// sendNext loads the next IN packet, or the terminating ZLP.
func (c *Controller) sendNext() {
	e := &c.ep0
	switch {
	case e.remaining > 0:
		k := min(e.remaining, e.mps)
		c.hw.WriteEP0(e.buf[e.pos : e.pos+k])
		e.pos += k
		e.remaining -= k
	case e.zlp:
		e.zlp = false
		c.hw.WriteEP0(nil)
	}
}

func (c *Controller) handleDataIn() {
	if c.ep0.current() == controlDataIn {
		c.sendNext()
	}
}

func (c *Controller) handleDataOut() {
	e := &c.ep0
	if e.current() != controlDataOut {
		c.hw.ReadEP0(nil)
		return
	}
	n := c.hw.ReadEP0(e.buf[e.pos:])
	e.pos += min(n, len(e.buf)-e.pos)
	e.remaining += n
	if n == e.mps && e.remaining < 0 {
		return
	}
	if e.remaining > 0 {
		pkg.LogWarn(pkg.ComponentEP0, "control OUT over-run", "excess", e.remaining)
	}

	data := e.buf[:e.pos]
	if e.setup.Type() != RequestTypeStandard {
		c.activeClass().DataOut(c, &e.setup, data)
	}
	resp := ResponseAck
	if e.then != nil {
		resp = e.then(data)
	}
	if resp == ResponseStall {
		c.hw.StallEP0()
		c.ep0Idle()
		return
	}
	c.hw.AckEP0()
	e.buf = nil
	e.then = nil
	e.set(controlStatus)
}

// handleStatus completes the status stage (or acknowledges command end).
func (c *Controller) handleStatus() {
	e := &c.ep0
	switch e.current() {
	case controlDataIn:
		c.hw.AckEP0()
		if e.setup.Type() != RequestTypeStandard {
			c.activeClass().DataIn(c, &e.setup)
		}
	case controlDataOut:
		// Host ended the data stage early.
		c.hw.AckEP0()
	case controlIdle:
		return
	}
	c.ep0Idle()
}

func (c *Controller) handleAbort(reason string) {
	if c.ep0.current() != controlIdle {
		pkg.LogDebug(pkg.ComponentEP0, "control transfer aborted", "reason", reason, "state", c.ep0.current().String())
	}
	c.ep0Idle()
}

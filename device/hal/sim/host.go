package sim

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Attach applies VBUS and trains the link at speed. A high-speed attach also
// signals a bus reset, as a real hub port does.
func (c *Controller) Attach(speed hal.Speed) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.vbus = true
	c.speed = speed
	ev := hal.EventVBUS
	if speed == hal.SpeedHigh {
		ev |= hal.EventBusReset
	}
	pkg.LogDebug(pkg.ComponentHAL, "host attached", "id", c.id, "speed", speed.String())
	c.raise(ev)
}

// Detach removes VBUS and drops every in-flight packet.
func (c *Controller) Detach() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.vbus = false
	c.speed = hal.SpeedNone
	c.ep0 = control{}
	for i := range c.endpoints {
		c.endpoints[i].in = nil
		c.endpoints[i].out = nil
	}
	pkg.LogDebug(pkg.ComponentHAL, "host detached", "id", c.id)
	c.raise(hal.EventVBUS)
}

// Raise latches arbitrary device events, e.g. link power-state changes.
func (c *Controller) Raise(ev hal.DeviceEvents) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.raise(ev)
}

// Enabled reports whether the device has connected its pull-up.
func (c *Controller) Enabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.enabled
}

// Control runs one control transfer: SETUP, optional data stage and status.
// For IN requests it returns the data the device sent. A STALL at any stage
// returns [pkg.ErrProtocolStall].
func (c *Controller) Control(ctx context.Context, setup [8]byte, data []byte) ([]byte, error) {
	in := setup[0]&0x80 != 0
	length := int(binary.LittleEndian.Uint16(setup[6:]))

	c.mutex.Lock()
	if !c.vbus {
		c.mutex.Unlock()
		return nil, fmt.Errorf("sim: control transfer: %w", pkg.ErrNotConfigured)
	}
	mps := c.speed.MaxPacketSize0()
	ev := hal.EventSetup
	if c.ep0.active {
		ev |= hal.EventCommandAbort
	}
	c.ep0 = control{setup: setup, latched: true, active: true}
	c.raise(ev)
	c.mutex.Unlock()
	defer c.finishControl()

	if err := c.await(ctx, func() bool { return !c.ep0.latched || c.ep0.stalled }); err != nil {
		return nil, err
	}

	var resp []byte
	var err error
	switch {
	case in && length > 0:
		resp, err = c.controlIn(ctx, length, mps)
	case !in && length > 0:
		err = c.controlOut(ctx, data[:min(len(data), length)], mps)
	}
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	if c.ep0.stalled {
		c.mutex.Unlock()
		return nil, pkg.ErrProtocolStall
	}
	c.raise(hal.EventStatus)
	c.mutex.Unlock()
	if err := c.await(ctx, func() bool { return c.ep0.acked || c.ep0.stalled }); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.ep0.stalled {
		return nil, pkg.ErrProtocolStall
	}
	return resp, nil
}

func (c *Controller) controlIn(ctx context.Context, length, mps int) ([]byte, error) {
	var resp []byte
	for {
		if err := c.await(ctx, func() bool { return len(c.ep0.in) > 0 || c.ep0.stalled }); err != nil {
			return nil, err
		}
		c.mutex.Lock()
		if c.ep0.stalled {
			c.mutex.Unlock()
			return nil, pkg.ErrProtocolStall
		}
		p := c.ep0.in[0]
		c.ep0.in = c.ep0.in[1:]
		resp = append(resp, p...)
		if len(p) < mps || len(resp) >= length {
			c.mutex.Unlock()
			return resp, nil
		}
		c.raise(hal.EventDataIn)
		c.mutex.Unlock()
	}
}

func (c *Controller) controlOut(ctx context.Context, data []byte, mps int) error {
	for off := 0; ; off += mps {
		p := data[off:min(off+mps, len(data))]
		c.mutex.Lock()
		if c.ep0.stalled {
			c.mutex.Unlock()
			return pkg.ErrProtocolStall
		}
		c.ep0.out = append(c.ep0.out, append([]byte(nil), p...))
		c.raise(hal.EventDataOut)
		c.mutex.Unlock()
		err := c.await(ctx, func() bool { return len(c.ep0.out) == 0 || c.ep0.stalled || c.ep0.acked })
		if err != nil {
			return err
		}
		if len(p) < mps || off+len(p) >= len(data) {
			return nil
		}
	}
}

func (c *Controller) finishControl() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep0.active = false
}

// AbortControl signals a failed control command, e.g. a protocol error
// reported by the link.
func (c *Controller) AbortControl() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep0 = control{}
	c.raise(hal.EventCommandFail)
}

// ReadPacket takes the next IN packet from addr, blocking until one arrives.
// Draining the last packet fires the FIFO-empty interrupt if it is armed.
func (c *Controller) ReadPacket(ctx context.Context, addr uint8) ([]byte, error) {
	idx := hal.EndpointIndex(addr | 0x80)
	ep := &c.endpoints[idx]
	if err := c.await(ctx, func() bool { return len(ep.in) > 0 }); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := ep.in[0]
	ep.in = ep.in[1:]
	if len(ep.in) == 0 && ep.fifoIntr {
		ep.fifoIntr = false
		c.epEvents.FIFO |= 1 << idx
		c.signal()
	}
	c.broadcast()
	return p, nil
}

// ReadTransfer reads IN packets from addr until a short packet ends the
// transfer and returns the concatenated payload.
func (c *Controller) ReadTransfer(ctx context.Context, addr uint8) ([]byte, error) {
	mps := int(c.FIFOConfig(addr | 0x80).MaxPacketSize)
	if mps == 0 {
		return nil, fmt.Errorf("sim: read 0x%02X: %w", addr, pkg.ErrInvalidEndpoint)
	}
	var out []byte
	for {
		p, err := c.ReadPacket(ctx, addr)
		if err != nil {
			return out, err
		}
		out = append(out, p...)
		if len(p) < mps {
			return out, nil
		}
	}
}

// Write queues data on OUT endpoint addr as max-packet-sized packets. When
// zlp is set and data fills its last packet, a zero-length packet follows.
func (c *Controller) Write(addr uint8, data []byte, zlp bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	idx := hal.EndpointIndex(addr &^ 0x80)
	ep := &c.endpoints[idx]
	if !ep.configured {
		return fmt.Errorf("sim: write 0x%02X: %w", addr, pkg.ErrInvalidEndpoint)
	}
	mps := int(ep.cfg.MaxPacketSize)
	for off := 0; off < len(data); off += mps {
		ep.out = append(ep.out, append([]byte(nil), data[off:min(off+mps, len(data))]...))
	}
	if len(data) == 0 || (zlp && len(data)%mps == 0) {
		ep.out = append(ep.out, []byte{})
	}
	c.fillLocked(idx)
	return nil
}

// Packets returns the sizes of every IN packet the endpoint has produced.
func (c *Controller) Packets(addr uint8) []int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]int(nil), c.endpoints[hal.EndpointIndex(addr)].packets...)
}

// Received returns the payload consumed by auto-drain on addr.
func (c *Controller) Received(addr uint8) []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]byte(nil), c.endpoints[hal.EndpointIndex(addr)].received...)
}

// Arms returns how many descriptors have been started on addr.
func (c *Controller) Arms(addr uint8) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[hal.EndpointIndex(addr)].arms
}

// Stalled reports the endpoint halt condition.
func (c *Controller) Stalled(addr uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[hal.EndpointIndex(addr)].stalled
}

// SequenceResets counts ResetSequence calls on addr.
func (c *Controller) SequenceResets(addr uint8) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[hal.EndpointIndex(addr)].seqResets
}

// FIFOConfig returns the FIFO assignment of addr, zero if unconfigured.
func (c *Controller) FIFOConfig(addr uint8) hal.FIFOConfig {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.endpoints[hal.EndpointIndex(addr)]
	if !ep.configured {
		return hal.FIFOConfig{}
	}
	return ep.cfg
}

// WaitArmed blocks until a descriptor for addr is owned by hardware.
func (c *Controller) WaitArmed(ctx context.Context, addr uint8) error {
	idx := hal.EndpointIndex(addr)
	ep := &c.endpoints[idx]
	return c.await(ctx, func() bool {
		return ep.configured && c.slots[ep.cfg.Slot].owned && c.slots[ep.cfg.Slot].addr == addr
	})
}

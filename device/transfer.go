package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// doorbellPolls bounds the wait for the hardware to accept a doorbell.
const doorbellPolls = 1 << 16

var errDoorbellStuck = errors.New("DMA doorbell not accepted")

type transferMode uint8

const (
	modeBulkIn transferMode = iota
	modeBulkOut
	modeInterruptIn
)

// BulkSend sends the first n bytes of buf on bulk IN endpoint addr and
// returns once they have left the endpoint FIFO. Transfers larger than
// [MaxDMALength] are split into chunks; a chunk whose length is a multiple
// of the packet size is followed by a zero-length packet. A zero timeout
// waits forever. On timeout the endpoint is halted and
// [pkg.ErrTransferTimeout] returned; a disconnect or reset returns
// [pkg.ErrTransferTerminated]; a cancelled ctx is treated like a timeout but
// returns ctx.Err().
func (c *Controller) BulkSend(ctx context.Context, addr uint8, buf *hal.DMABuffer, n int, timeout time.Duration) error {
	b, err := c.prepare(addr, buf, n, true, hal.TransferBulk)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, b, buf, n, timeout, modeBulkIn)
	return err
}

// BulkReceive receives up to n bytes from OUT endpoint addr into buf and
// returns the number received. A short packet ends the transfer early.
// Timeout and termination behave as for BulkSend.
func (c *Controller) BulkReceive(ctx context.Context, addr uint8, buf *hal.DMABuffer, n int, timeout time.Duration) (int, error) {
	b, err := c.prepare(addr, buf, n, false, hal.TransferBulk, hal.TransferInterrupt)
	if err != nil {
		return 0, err
	}
	return c.run(ctx, b, buf, n, timeout, modeBulkOut)
}

// InterruptSend sends at most [MaxInterruptPayload] bytes on interrupt IN
// endpoint addr. It fails fast with [pkg.ErrTransferInProgress] if the
// endpoint FIFO still holds an earlier report, and returns once DMA
// completes without waiting for the host to read the FIFO.
func (c *Controller) InterruptSend(ctx context.Context, addr uint8, buf *hal.DMABuffer, n int, timeout time.Duration) error {
	if n > MaxInterruptPayload {
		return fmt.Errorf("interrupt payload %d > %d: %w", n, MaxInterruptPayload, pkg.ErrInvalidParameter)
	}
	b, err := c.prepare(addr, buf, n, true, hal.TransferInterrupt)
	if err != nil {
		return err
	}
	if !c.hw.FIFOEmpty(addr) {
		return pkg.ErrTransferInProgress
	}
	_, err = c.run(ctx, b, buf, n, timeout, modeInterruptIn)
	return err
}

// ResetEndpoint halts addr in hardware and terminates any transfer blocked
// on it. It is safe to call from interrupt context.
func (c *Controller) ResetEndpoint(addr uint8) error {
	b := c.table.lookup(addr)
	if b == nil {
		return pkg.ErrInvalidEndpoint
	}
	c.hw.HaltEndpoint(addr)
	c.hw.SetFIFOInterrupt(addr, false)
	if c.table.terminate(b) {
		c.wake.post(b.index)
		pkg.LogDebug(pkg.ComponentTransfer, "transfer terminated by reset", "address", endpointLabel(addr))
	}
	return nil
}

// ResetEndpointSequence resets the data toggle or sequence number of addr.
func (c *Controller) ResetEndpointSequence(addr uint8) error {
	if c.table.lookup(addr) == nil {
		return pkg.ErrInvalidEndpoint
	}
	c.hw.ResetSequence(addr)
	return nil
}

func (c *Controller) prepare(addr uint8, buf *hal.DMABuffer, n int, in bool, types ...hal.TransferType) (*endpointBlock, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	if buf == nil || n < 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if n > buf.Len() {
		return nil, pkg.ErrBufferTooSmall
	}
	b := c.table.lookup(addr)
	if b == nil || b.config.IsIn() != in {
		return nil, fmt.Errorf("endpoint 0x%02X: %w", addr, pkg.ErrInvalidEndpoint)
	}
	for _, t := range types {
		if b.config.Type == t {
			return b, nil
		}
	}
	return nil, fmt.Errorf("endpoint 0x%02X is %s: %w", addr, b.config.Type, pkg.ErrInvalidEndpoint)
}

// run claims b and moves n bytes in chunks of at most MaxDMALength. Every
// return path leaves b in ReadyIdle or NotAvailable.
func (c *Controller) run(ctx context.Context, b *endpointBlock, buf *hal.DMABuffer, n int, timeout time.Duration, mode transferMode) (done int, err error) {
	if err := c.table.begin(b); err != nil {
		return 0, err
	}
	addr := b.config.Address
	defer func() { c.metrics.transfer(addr, done, err) }()

	buf.Pin()
	defer buf.Unpin()

	deadline := deadlineFor(timeout)
	mps := int(b.config.MaxPacketSize)
	for {
		chunk := min(n-done, MaxDMALength)
		zlp := mode == modeBulkIn && chunk > 0 && chunk%mps == 0

		c.wake.clear(b.index)
		if err := c.arm(b, buf, done, chunk, zlp); err != nil {
			c.hw.HaltEndpoint(addr)
			if terr := c.table.abandon(b); terr != nil {
				return done, terr
			}
			return done, fmt.Errorf("endpoint 0x%02X: %w", addr, err)
		}

		got, err := c.await(ctx, b, deadline)
		if err != nil {
			return done, err
		}
		if mode == modeBulkIn {
			if err := c.drain(ctx, b, deadline); err != nil {
				return done, err
			}
		}
		done += got
		if done >= n || got < chunk {
			break
		}
		if err := c.table.rearm(b); err != nil {
			return done, err
		}
	}
	c.table.settle(b)
	pkg.LogDebug(pkg.ComponentTransfer, "transfer complete", "address", endpointLabel(addr), "bytes", done)
	return done, nil
}

// arm programs and starts one descriptor. The DMA mutex is held from
// programming until the hardware accepts the doorbell.
func (c *Controller) arm(b *endpointBlock, buf *hal.DMABuffer, off, n int, zlp bool) error {
	slot := b.alloc.Slot
	c.dma.Lock()
	defer c.dma.Unlock()
	if err := c.hw.ProgramPRD(slot, hal.PRD{Buffer: buf, Offset: off, Length: n, ZLP: zlp}); err != nil {
		return err
	}
	c.hw.RingDoorbell(slot)
	for i := 0; c.hw.DoorbellPending(slot); i++ {
		if i == doorbellPolls {
			return errDoorbellStuck
		}
		runtime.Gosched()
	}
	c.metrics.arm(b.config.Address)
	return nil
}

// await blocks until the armed descriptor completes or the transfer is
// terminated, and returns the bytes the descriptor moved.
func (c *Controller) await(ctx context.Context, b *endpointBlock, deadline time.Time) (int, error) {
	for {
		if err := c.wake.wait(ctx, b.index, deadline); err != nil {
			return 0, c.expire(b, err)
		}
		switch c.table.status(b) {
		case StatusTransferDone:
			return c.hw.TransferCount(b.alloc.Slot), nil
		case StatusTerminated:
			c.table.settle(b)
			return 0, pkg.ErrTransferTerminated
		}
		// Stale wake from an earlier post; keep waiting.
	}
}

// drain is the second phase of a bulk send: it waits for the host to empty
// the endpoint FIFO so the caller may reuse the buffer and the next send
// cannot overtake this one.
func (c *Controller) drain(ctx context.Context, b *endpointBlock, deadline time.Time) error {
	addr := b.config.Address
	c.wake.clear(b.index)
	if err := c.table.beginDrain(b); err != nil {
		return err
	}
	c.hw.SetFIFOInterrupt(addr, true)
	for !c.hw.FIFOEmpty(addr) {
		if err := c.wake.wait(ctx, b.index, deadline); err != nil {
			return c.expire(b, err)
		}
		if c.table.status(b) == StatusTerminated {
			break
		}
	}
	c.hw.SetFIFOInterrupt(addr, false)
	return c.table.endDrain(b)
}

// expire halts b after its deadline elapsed or ctx was cancelled. A
// termination that raced the deadline is reported in preference.
func (c *Controller) expire(b *endpointBlock, cause error) error {
	addr := b.config.Address
	c.hw.HaltEndpoint(addr)
	c.hw.SetFIFOInterrupt(addr, false)
	if err := c.table.abandon(b); err != nil {
		return err
	}
	pkg.LogWarn(pkg.ComponentTransfer, "transfer abandoned", "address", endpointLabel(addr), "cause", cause)
	return cause
}

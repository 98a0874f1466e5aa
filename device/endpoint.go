package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// endpointBlock is the control block of one opened non-control endpoint.
// status and draining are guarded by the owning table's mutex.
type endpointBlock struct {
	config EndpointConfig
	alloc  Allocation
	index  int

	status   EndpointStatus
	draining bool // IN send waiting for the FIFO to empty
}

// EndpointInfo is a snapshot of one endpoint control block.
type EndpointInfo struct {
	EndpointConfig
	Allocation
	Status EndpointStatus
}

// endpointTable maps endpoint indices to control blocks. Its mutex is the
// single lock shared by the transfer engine and the interrupt dispatcher; no
// hardware access happens while it is held. active mirrors the configured
// state of the device so a settling transfer and a disconnect agree on the
// final status.
type endpointTable struct {
	mutex  sync.Mutex
	blocks [hal.MaxEndpointIndex]*endpointBlock
	active bool
}

func (t *endpointTable) lookup(addr uint8) *endpointBlock {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.blocks[hal.EndpointIndex(addr)]
}

func (t *endpointTable) byIndex(idx int) *endpointBlock {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.blocks[idx]
}

// insert adds a block for cfg. Opening the same address twice with an
// identical configuration is a no-op that returns the existing block.
func (t *endpointTable) insert(cfg EndpointConfig, al Allocation) (*endpointBlock, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	idx := hal.EndpointIndex(cfg.Address)
	if b := t.blocks[idx]; b != nil {
		if b.config == cfg {
			return b, nil
		}
		return nil, fmt.Errorf("endpoint 0x%02X: %w", cfg.Address, pkg.ErrEndpointOpen)
	}
	b := &endpointBlock{config: cfg, alloc: al, index: idx, status: StatusNotAvailable}
	if t.active {
		b.status = StatusReadyIdle
	}
	t.blocks[idx] = b
	return b, nil
}

func (t *endpointTable) exists(addr uint8) bool {
	return t.lookup(addr) != nil
}

// clear drops every block. Callers must have terminated transfers first.
func (t *endpointTable) clear() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.blocks = [hal.MaxEndpointIndex]*endpointBlock{}
	t.active = false
}

// setActive moves every idle block to ReadyIdle (true) or NotAvailable.
func (t *endpointTable) setActive(active bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.active = active
	for _, b := range t.blocks {
		if b == nil {
			continue
		}
		switch b.status {
		case StatusNotAvailable, StatusReadyIdle:
			b.status = t.restLocked()
		}
	}
}

func (t *endpointTable) isActive() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.active
}

func (t *endpointTable) restLocked() EndpointStatus {
	if t.active {
		return StatusReadyIdle
	}
	return StatusNotAvailable
}

func (t *endpointTable) moveLocked(b *endpointBlock, to EndpointStatus) {
	if !CanTransition(b.status, to) {
		panic(fmt.Sprintf("endpoint 0x%02X: illegal transition %s -> %s", b.config.Address, b.status, to))
	}
	b.status = to
}

// begin claims b for a new transfer.
func (t *endpointTable) begin(b *endpointBlock) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	switch b.status {
	case StatusReadyIdle:
		t.moveLocked(b, StatusTransferring)
		return nil
	case StatusNotAvailable:
		return pkg.ErrNotConfigured
	default:
		return pkg.ErrTransferInProgress
	}
}

// rearm moves a completed chunk back to Transferring for the next chunk.
// If the link went away meanwhile the block is settled and the transfer is
// reported terminated.
func (t *endpointTable) rearm(b *endpointBlock) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if b.status == StatusTransferDone && t.active {
		t.moveLocked(b, StatusTransferring)
		return nil
	}
	t.settleLocked(b)
	return pkg.ErrTransferTerminated
}

// complete records a DMA completion from interrupt context. It returns
// false for completions nobody is waiting for.
func (t *endpointTable) complete(b *endpointBlock) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if b.status != StatusTransferring {
		return false
	}
	t.moveLocked(b, StatusTransferDone)
	return true
}

// terminate force-terminates an outstanding transfer on b and reports
// whether the waiter needs waking. Idle blocks follow the link state.
func (t *endpointTable) terminate(b *endpointBlock) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.terminateLocked(b)
}

func (t *endpointTable) terminateLocked(b *endpointBlock) bool {
	switch {
	case b.status == StatusTransferring,
		b.status == StatusTransferDone && b.draining:
		t.moveLocked(b, StatusTerminated)
		return true
	case b.status == StatusReadyIdle, b.status == StatusNotAvailable:
		b.status = t.restLocked()
	}
	return false
}

// deactivate force-terminates every outstanding transfer, marks the table
// inactive and returns the indices whose waiters need waking.
func (t *endpointTable) deactivate() []int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.active = false
	var woken []int
	for _, b := range t.blocks {
		if b != nil && t.terminateLocked(b) {
			woken = append(woken, b.index)
		}
	}
	return woken
}

// settle returns a finished block to rest and clears the drain flag.
func (t *endpointTable) settle(b *endpointBlock) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.settleLocked(b)
}

func (t *endpointTable) settleLocked(b *endpointBlock) {
	b.draining = false
	t.moveLocked(b, t.restLocked())
}

// abandon settles b after a timeout or arm failure. A termination that
// raced the timeout wins and is reported instead.
func (t *endpointTable) abandon(b *endpointBlock) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	terminated := b.status == StatusTerminated
	t.settleLocked(b)
	if terminated {
		return pkg.ErrTransferTerminated
	}
	return nil
}

func (t *endpointTable) status(b *endpointBlock) EndpointStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return b.status
}

// beginDrain marks b as waiting for its FIFO to empty. A link that went
// away after the DMA phase completed terminates the transfer here, since
// deactivate only wakes blocks that are transferring or draining.
func (t *endpointTable) beginDrain(b *endpointBlock) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		t.settleLocked(b)
		return pkg.ErrTransferTerminated
	}
	b.draining = true
	return nil
}

// endDrain clears the drain flag and reports a termination that arrived
// while the FIFO was draining.
func (t *endpointTable) endDrain(b *endpointBlock) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if b.status == StatusTerminated {
		t.settleLocked(b)
		return pkg.ErrTransferTerminated
	}
	b.draining = false
	return nil
}

// drainWaiter reports whether a FIFO-empty interrupt on b has a waiter.
func (t *endpointTable) drainWaiter(b *endpointBlock) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return b.draining
}

func (t *endpointTable) snapshot() []EndpointInfo {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	var out []EndpointInfo
	for _, b := range t.blocks {
		if b != nil {
			out = append(out, EndpointInfo{EndpointConfig: b.config, Allocation: b.alloc, Status: b.status})
		}
	}
	return out
}

package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Slots is the number of DMA descriptor slots the simulated controller has.
const Slots = 8

var (
	errNotStarted   = errors.New("sim: controller not started")
	errSlotRange    = errors.New("sim: DMA slot out of range")
	errSlotNotReady = errors.New("sim: DMA slot not initialized")
	errSlotBusy     = errors.New("sim: DMA slot owned by hardware")
)

// Option configures a [Controller].
type Option func(*Controller)

// WithAutoDrain makes the host side consume IN packets as soon as DMA
// produces them, so IN FIFOs never stay non-empty.
func WithAutoDrain() Option {
	return func(c *Controller) { c.autoDrain = true }
}

// WithDoorbellLatency makes each doorbell stay pending for n polls before the
// hardware accepts it.
func WithDoorbellLatency(n int) Option {
	return func(c *Controller) { c.doorbellLatency = n }
}

// Controller is an in-memory dual-speed device controller. The device side
// implements [hal.Controller]; the host side (see host.go) plays the part of
// the USB host and the link.
type Controller struct {
	id string

	mutex   sync.Mutex
	changed chan struct{} // closed and replaced on every state change

	handler hal.InterruptHandler
	irq     chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool

	enabled bool
	vbus    bool
	speed   hal.Speed

	devEvents hal.DeviceEvents
	epEvents  hal.EndpointEvents

	ep0             control
	endpoints       [hal.MaxEndpointIndex]endpoint
	slots           [Slots]slot
	doorbellLatency int
	autoDrain       bool
}

type control struct {
	setup   [8]byte
	latched bool
	active  bool     // host has a control transfer open
	in      [][]byte // packets written by the device, unread by the host
	out     [][]byte // packets sent by the host, undrained by the device
	stalled bool
	acked   bool
}

type endpoint struct {
	cfg        hal.FIFOConfig
	configured bool
	stalled    bool
	fifoIntr   bool
	seqResets  int
	in         [][]byte // IN packets waiting for the host
	out        [][]byte // OUT packets waiting for a descriptor
	received   []byte   // auto-drained IN payload
	packets    []int    // sizes of every IN packet produced
	arms       int
}

type slot struct {
	flags    hal.PRDFlags
	prd      hal.PRD
	addr     uint8
	owned    bool
	doorbell int // polls left before the doorbell is accepted
	count    int
}

// New returns a detached controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		id:      uuid.NewString(),
		changed: make(chan struct{}),
		irq:     make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the unique instance identifier used in log records.
func (c *Controller) ID() string { return c.id }

// Init installs handler and starts the interrupt goroutine. The goroutine
// exits when ctx is cancelled or Close is called.
func (c *Controller) Init(ctx context.Context, handler hal.InterruptHandler) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return pkg.ErrNotInitialized
	}
	if c.started {
		return pkg.ErrAlreadyInitialized
	}
	c.handler = handler
	c.started = true
	c.wg.Add(1)
	go c.run(ctx)
	pkg.LogDebug(pkg.ComponentHAL, "sim controller started", "id", c.id)
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.irq:
		}
		for c.pending() {
			c.handler()
		}
	}
}

func (c *Controller) pending() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return !c.closed && (c.devEvents != 0 || !c.epEvents.Empty())
}

// Close stops the interrupt goroutine and waits for it to exit.
func (c *Controller) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.broadcast()
	c.mutex.Unlock()
	c.wg.Wait()
	pkg.LogDebug(pkg.ComponentHAL, "sim controller closed", "id", c.id)
	return nil
}

// SetEnable connects or disconnects the pull-up.
func (c *Controller) SetEnable(on bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.started {
		return errNotStarted
	}
	c.enabled = on
	c.broadcast()
	return nil
}

// SoftReset clears all endpoint and descriptor state.
func (c *Controller) SoftReset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.started {
		return errNotStarted
	}
	c.releaseLocked()
	c.ep0 = control{}
	c.devEvents = 0
	c.epEvents = hal.EndpointEvents{}
	c.broadcast()
	return nil
}

func (c *Controller) Speed() hal.Speed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.speed
}

func (c *Controller) VBUS() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.vbus
}

func (c *Controller) DeviceEvents() hal.DeviceEvents {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ev := c.devEvents
	c.devEvents = 0
	return ev
}

func (c *Controller) EndpointEvents() hal.EndpointEvents {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ev := c.epEvents
	c.epEvents = hal.EndpointEvents{}
	return ev
}

// SetFIFOInterrupt arms or disarms the FIFO-empty interrupt. The interrupt
// fires on the transition to empty, not on the level.
func (c *Controller) SetFIFOInterrupt(addr uint8, enable bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endpoints[hal.EndpointIndex(addr)].fifoIntr = enable
}

func (c *Controller) SetupPending() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep0.latched
}

func (c *Controller) ReadSetup(buf []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.ep0.latched {
		return 0
	}
	c.ep0.latched = false
	c.broadcast()
	return copy(buf, c.ep0.setup[:])
}

func (c *Controller) WriteEP0(data []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	mps := c.speed.MaxPacketSize0()
	if len(data) > mps {
		data = data[:mps]
	}
	c.ep0.in = append(c.ep0.in, append([]byte(nil), data...))
	c.broadcast()
	return len(data)
}

func (c *Controller) ReadEP0(buf []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.ep0.out) == 0 {
		return 0
	}
	p := c.ep0.out[0]
	c.ep0.out = c.ep0.out[1:]
	copy(buf, p)
	c.broadcast()
	return len(p)
}

func (c *Controller) StallEP0() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep0.stalled = true
	c.broadcast()
}

func (c *Controller) AckEP0() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep0.acked = true
	c.broadcast()
}

// ConfigureFIFO validates and records an endpoint's FIFO assignment.
func (c *Controller) ConfigureFIFO(cfg hal.FIFOConfig) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cfg.Slot < 0 || cfg.Slot >= Slots {
		return errSlotRange
	}
	if cfg.FirstEntry < 0 || cfg.Entries <= 0 {
		return fmt.Errorf("sim: endpoint 0x%02X: %w", cfg.Address, pkg.ErrInvalidParameter)
	}
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		if !ep.configured || ep.cfg.Address == cfg.Address {
			continue
		}
		if cfg.FirstEntry < ep.cfg.FirstEntry+ep.cfg.Entries && ep.cfg.FirstEntry < cfg.FirstEntry+cfg.Entries {
			return fmt.Errorf("sim: endpoint 0x%02X overlaps 0x%02X: %w",
				cfg.Address, ep.cfg.Address, pkg.ErrResourceExhausted)
		}
	}
	ep := &c.endpoints[hal.EndpointIndex(cfg.Address)]
	ep.cfg = cfg
	ep.configured = true
	pkg.LogDebug(pkg.ComponentHAL, "FIFO configured",
		"address", fmt.Sprintf("0x%02X", cfg.Address),
		"first", cfg.FirstEntry,
		"entries", cfg.Entries,
		"offset", cfg.Offset,
		"slot", cfg.Slot)
	return nil
}

func (c *Controller) ReleaseFIFOs() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		ep.configured = false
		ep.fifoIntr = false
		ep.in = nil
		ep.out = nil
	}
	for i := range c.slots {
		c.slots[i].owned = false
	}
	c.broadcast()
}

func (c *Controller) InitPRD(n int, flags hal.PRDFlags) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n >= 0 && n < Slots {
		c.slots[n].flags = flags &^ hal.PRDOwned
	}
}

func (c *Controller) ProgramPRD(n int, prd hal.PRD) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n < 0 || n >= Slots {
		return errSlotRange
	}
	s := &c.slots[n]
	if s.flags == 0 {
		return errSlotNotReady
	}
	if s.owned {
		return errSlotBusy
	}
	if prd.Buffer == nil {
		return pkg.ErrInvalidParameter
	}
	if _, err := prd.Buffer.Window(prd.Offset, prd.Length); err != nil {
		return err
	}
	addr, ok := c.slotOwner(n)
	if !ok {
		return fmt.Errorf("sim: slot %d: %w", n, pkg.ErrInvalidEndpoint)
	}
	s.prd = prd
	s.addr = addr
	s.owned = true
	s.count = 0
	return nil
}

func (c *Controller) slotOwner(n int) (uint8, bool) {
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		if ep.configured && ep.cfg.Slot == n {
			return ep.cfg.Address, true
		}
	}
	return 0, false
}

// RingDoorbell hands the slot to the DMA engine. With zero doorbell latency
// the transfer starts before RingDoorbell returns.
func (c *Controller) RingDoorbell(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n < 0 || n >= Slots || !c.slots[n].owned {
		return
	}
	c.slots[n].doorbell = c.doorbellLatency
	if c.doorbellLatency == 0 {
		c.startLocked(n)
	}
}

func (c *Controller) DoorbellPending(n int) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n < 0 || n >= Slots {
		return false
	}
	s := &c.slots[n]
	if s.doorbell == 0 {
		return false
	}
	s.doorbell--
	if s.doorbell == 0 {
		c.startLocked(n)
		return false
	}
	return true
}

func (c *Controller) SlotOwned(n int) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return n >= 0 && n < Slots && c.slots[n].owned
}

func (c *Controller) TransferCount(n int) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n < 0 || n >= Slots {
		return 0
	}
	return c.slots[n].count
}

func (c *Controller) FIFOEmpty(addr uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.endpoints[hal.EndpointIndex(addr)]
	return len(ep.in) == 0 && len(ep.out) == 0
}

// HaltEndpoint abandons the endpoint's descriptor, flushes its FIFO and
// drops its latched interrupts.
func (c *Controller) HaltEndpoint(addr uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	idx := hal.EndpointIndex(addr)
	ep := &c.endpoints[idx]
	if ep.configured {
		c.slots[ep.cfg.Slot].owned = false
		c.slots[ep.cfg.Slot].doorbell = 0
	}
	ep.in = nil
	ep.out = nil
	c.epEvents.DMA &^= 1 << idx
	c.epEvents.FIFO &^= 1 << idx
	c.broadcast()
}

func (c *Controller) StallEndpoint(addr uint8, stall bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endpoints[hal.EndpointIndex(addr)].stalled = stall
	c.broadcast()
}

func (c *Controller) ResetSequence(addr uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endpoints[hal.EndpointIndex(addr)].seqResets++
}

// startLocked runs the descriptor in slot n against its endpoint.
func (c *Controller) startLocked(n int) {
	s := &c.slots[n]
	idx := hal.EndpointIndex(s.addr)
	ep := &c.endpoints[idx]
	ep.arms++
	if s.addr&0x80 == 0 {
		c.fillLocked(idx)
		return
	}

	data, _ := s.prd.Buffer.Window(s.prd.Offset, s.prd.Length)
	mps := int(ep.cfg.MaxPacketSize)
	var packets [][]byte
	for off := 0; off < len(data); off += mps {
		end := min(off+mps, len(data))
		packets = append(packets, append([]byte(nil), data[off:end]...))
	}
	if len(data) == 0 || s.prd.ZLP {
		packets = append(packets, []byte{})
	}
	for _, p := range packets {
		ep.packets = append(ep.packets, len(p))
		if c.autoDrain {
			ep.received = append(ep.received, p...)
		} else {
			ep.in = append(ep.in, p)
		}
	}
	s.count = len(data)
	c.completeLocked(n, idx)
}

// fillLocked moves queued host packets into the OUT descriptor owning idx.
// The descriptor completes on a short packet or when its length is reached.
func (c *Controller) fillLocked(idx int) {
	ep := &c.endpoints[idx]
	if !ep.configured {
		return
	}
	s := &c.slots[ep.cfg.Slot]
	if !s.owned || s.doorbell != 0 || s.addr != ep.cfg.Address {
		return
	}
	data, _ := s.prd.Buffer.Window(s.prd.Offset, s.prd.Length)
	mps := int(ep.cfg.MaxPacketSize)
	for len(ep.out) > 0 {
		p := ep.out[0]
		ep.out = ep.out[1:]
		s.count += copy(data[s.count:], p)
		if len(p) < mps || s.count >= len(data) {
			c.completeLocked(ep.cfg.Slot, idx)
			return
		}
	}
	c.broadcast()
}

func (c *Controller) completeLocked(n, idx int) {
	s := &c.slots[n]
	s.owned = false
	if s.flags&hal.PRDInterruptOnComplete != 0 {
		c.epEvents.DMA |= 1 << idx
		c.signal()
	}
	c.broadcast()
}

// raise latches device events and wakes the interrupt goroutine.
func (c *Controller) raise(ev hal.DeviceEvents) {
	c.devEvents |= ev
	c.signal()
	c.broadcast()
}

func (c *Controller) signal() {
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Controller) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// await blocks until cond (evaluated with the mutex held) is true.
func (c *Controller) await(ctx context.Context, cond func() bool) error {
	for {
		c.mutex.Lock()
		if cond() {
			c.mutex.Unlock()
			return nil
		}
		if c.closed {
			c.mutex.Unlock()
			return pkg.ErrNotInitialized
		}
		ch := c.changed
		c.mutex.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

var _ hal.Controller = (*Controller)(nil)

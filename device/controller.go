package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Config holds the driver configuration. At most one of Descriptors and
// Class may be set; with neither, [DefaultDescriptors] is served.
type Config struct {
	// Descriptors is a static descriptor set. Its configuration bundles
	// are parsed to open endpoints on SET_CONFIGURATION.
	Descriptors *DescriptorSet

	// Class takes over descriptors, endpoint setup and class requests.
	Class Class

	// OnLinkStatus is called from interrupt context on every link change.
	OnLinkStatus func(LinkStatus)

	// OnVendorRequest handles vendor requests in static-descriptor mode.
	OnVendorRequest VendorHandler

	// ControlTimeout bounds WaitControlIdle. Zero waits forever.
	ControlTimeout time.Duration

	// Registerer receives the driver metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

type lifecycle uint8

const (
	stateNew lifecycle = iota
	stateRunning
	stateClosed
)

// Controller drives one dual-speed device controller through a
// [hal.Controller]. Transfers may be issued from any number of goroutines;
// at most one transfer is outstanding per endpoint.
type Controller struct {
	hw      hal.Controller
	cfg     Config
	metrics *metrics

	mutex    sync.Mutex
	state    lifecycle
	class    Class
	explicit bool
	link     LinkStatus

	table   endpointTable
	allocMu sync.Mutex
	alloc   allocator
	wake    *wakeGroup
	dma     sync.Mutex
	ep0     ep0Context
}

// New returns a controller bound to hw. Interrupts are not serviced until
// Initialize.
func New(hw hal.Controller, cfg Config) (*Controller, error) {
	if hw == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if cfg.Descriptors != nil && cfg.Class != nil {
		return nil, fmt.Errorf("descriptors and class are exclusive: %w", pkg.ErrClassRegistered)
	}
	c := &Controller{
		hw:       hw,
		cfg:      cfg,
		metrics:  newMetrics(cfg.Registerer),
		wake:     newWakeGroup(),
		explicit: cfg.Descriptors != nil || cfg.Class != nil,
	}
	if cfg.Class != nil {
		c.class = cfg.Class
	} else {
		set := cfg.Descriptors
		if set == nil {
			set = DefaultDescriptors()
		}
		c.class = &staticClass{DescriptorClass: DescriptorClass{Set: set}, vendor: cfg.OnVendorRequest}
	}
	return c, nil
}

// Initialize programs the DMA descriptor slots and installs the interrupt
// handler. A second call fails; a closed controller cannot be revived.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch c.state {
	case stateRunning:
		return pkg.ErrAlreadyInitialized
	case stateClosed:
		return pkg.ErrNotInitialized
	}
	if err := c.hw.Init(ctx, c.HandleInterrupt); err != nil {
		return fmt.Errorf("controller init: %w", err)
	}
	c.initSlots()
	c.state = stateRunning
	pkg.LogInfo(pkg.ComponentController, "controller initialized", "static", c.isStatic())
	return nil
}

func (c *Controller) initSlots() {
	for slot := 0; slot < DMASlots; slot++ {
		c.hw.InitPRD(slot, hal.PRDDefault)
	}
}

func (c *Controller) isStatic() bool {
	_, ok := c.class.(*staticClass)
	return ok
}

// Close tears down the configuration, releases every blocked caller with
// [pkg.ErrTransferTerminated] and closes the hardware.
func (c *Controller) Close() error {
	c.mutex.Lock()
	if c.state != stateRunning {
		c.state = stateClosed
		c.mutex.Unlock()
		return nil
	}
	c.state = stateClosed
	c.mutex.Unlock()

	c.unconfigure()
	err := c.hw.Close()
	c.resetEP0()
	pkg.LogInfo(pkg.ComponentController, "controller closed")
	return err
}

// RegisterClass replaces the static descriptor provider with cls. It fails
// if a class or explicit descriptor set is already active.
func (c *Controller) RegisterClass(cls Class) error {
	if cls == nil {
		return pkg.ErrInvalidParameter
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state == stateClosed {
		return pkg.ErrNotInitialized
	}
	if c.explicit {
		return pkg.ErrClassRegistered
	}
	if c.table.isActive() {
		return fmt.Errorf("register class while configured: %w", pkg.ErrInvalidState)
	}
	c.class = cls
	c.explicit = true
	pkg.LogInfo(pkg.ComponentClass, "class registered", "class", fmt.Sprintf("%T", cls))
	return nil
}

func (c *Controller) activeClass() Class {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.class
}

func (c *Controller) running() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != stateRunning {
		return pkg.ErrNotInitialized
	}
	return nil
}

// SetEnable connects or disconnects the device from the bus.
func (c *Controller) SetEnable(on bool) error {
	if err := c.running(); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentController, "set enable", "on", on)
	return c.hw.SetEnable(on)
}

// ResetDevice terminates every transfer, drops the configuration and
// soft-resets the controller core.
func (c *Controller) ResetDevice() error {
	if err := c.running(); err != nil {
		return err
	}
	c.disconnect(LinkDisconnected)
	if err := c.hw.SoftReset(); err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	c.initSlots()
	return nil
}

// Speed returns the negotiated link speed.
func (c *Controller) Speed() Speed { return c.hw.Speed() }

// LinkStatus returns the last reported link status.
func (c *Controller) LinkStatus() LinkStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.link
}

// Configured reports whether the host has selected configuration 1.
func (c *Controller) Configured() bool { return c.table.isActive() }

// OpenEndpoint opens addr with the given type and packet size, reserving
// FIFO entries and a DMA slot for it.
func (c *Controller) OpenEndpoint(addr uint8, typ hal.TransferType, maxPacket uint16) error {
	return c.OpenEndpointConfig(EndpointConfig{Address: addr, Type: typ, MaxPacketSize: maxPacket})
}

// OpenEndpointConfig opens ep. Reopening an address with an identical
// configuration is a no-op; a different configuration fails with
// [pkg.ErrEndpointOpen]. It is safe to call from Class.Init.
func (c *Controller) OpenEndpointConfig(ep EndpointConfig) error {
	if ep.Address&0x0F == 0 || ep.Address&0x70 != 0 {
		return fmt.Errorf("endpoint 0x%02X: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}
	if ep.Type != hal.TransferBulk && ep.Type != hal.TransferInterrupt {
		return fmt.Errorf("endpoint 0x%02X type %s: %w", ep.Address, ep.Type, pkg.ErrInvalidParameter)
	}
	if ep.MaxPacketSize == 0 || ep.MaxPacketSize%8 != 0 {
		return fmt.Errorf("endpoint 0x%02X max packet %d: %w", ep.Address, ep.MaxPacketSize, pkg.ErrInvalidParameter)
	}

	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	if b := c.table.lookup(ep.Address); b != nil {
		if b.config == ep {
			return nil
		}
		return fmt.Errorf("endpoint 0x%02X: %w", ep.Address, pkg.ErrEndpointOpen)
	}
	al, err := c.alloc.reserve(c.Speed(), ep)
	if err != nil {
		pkg.LogError(pkg.ComponentAlloc, "endpoint allocation failed", "address", endpointLabel(ep.Address), "error", err)
		return err
	}
	if err := c.hw.ConfigureFIFO(fifoConfig(ep, al)); err != nil {
		return fmt.Errorf("endpoint 0x%02X: configure FIFO: %w", ep.Address, err)
	}
	if _, err := c.table.insert(ep, al); err != nil {
		return err
	}
	c.metrics.allocated(c.alloc.used())
	pkg.LogDebug(pkg.ComponentAlloc, "endpoint opened",
		"address", endpointLabel(ep.Address),
		"type", ep.Type.String(),
		"maxPacket", ep.MaxPacketSize,
		"burst", ep.MaxBurst,
		"firstEntry", al.FirstEntry,
		"entries", al.Entries,
		"offset", al.Offset,
		"slot", al.Slot)
	return nil
}

// Endpoints returns a snapshot of every open endpoint.
func (c *Controller) Endpoints() []EndpointInfo { return c.table.snapshot() }

// EndpointStatus returns the status of addr.
func (c *Controller) EndpointStatus(addr uint8) (EndpointStatus, error) {
	b := c.table.lookup(addr)
	if b == nil {
		return StatusNotAvailable, pkg.ErrInvalidEndpoint
	}
	return c.table.status(b), nil
}

// setLink records status and reports it outside every lock.
func (c *Controller) setLink(status LinkStatus) {
	c.mutex.Lock()
	c.link = status
	cls := c.class
	c.mutex.Unlock()

	c.metrics.link(status)
	pkg.LogInfo(pkg.ComponentController, "link status", "status", status.String(), "speed", c.Speed().String())
	cls.LinkStatus(status)
	if c.cfg.OnLinkStatus != nil {
		c.cfg.OnLinkStatus(status)
	}
}

// deactivate terminates outstanding transfers and marks every endpoint
// NotAvailable. It reports whether the device was configured.
func (c *Controller) deactivate() bool {
	was := c.table.isActive()
	for _, idx := range c.table.deactivate() {
		addr := hal.EndpointAddress(idx)
		c.hw.HaltEndpoint(addr)
		c.hw.SetFIFOInterrupt(addr, false)
		c.wake.post(idx)
		pkg.LogDebug(pkg.ComponentTransfer, "transfer terminated", "address", endpointLabel(addr))
	}
	return was
}

// unconfigure drops the configuration and returns every FIFO entry and DMA
// slot to the pool.
func (c *Controller) unconfigure() {
	if c.deactivate() {
		c.activeClass().DeInit(c)
	}
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	c.hw.ReleaseFIFOs()
	c.table.clear()
	c.alloc.reset()
	c.metrics.allocated(0, 0)
}

// disconnect tears down the configuration, resets EP0 and reports status.
func (c *Controller) disconnect(status LinkStatus) {
	if c.deactivate() {
		c.activeClass().DeInit(c)
	}
	c.resetEP0()
	c.setLink(status)
}

// busReset handles the reset family: a configured device is torn down as on
// disconnect before the reset itself is reported.
func (c *Controller) busReset(status LinkStatus) {
	if c.deactivate() {
		c.activeClass().DeInit(c)
		c.setLink(LinkDisconnected)
	}
	c.resetEP0()
	c.setLink(status)
}

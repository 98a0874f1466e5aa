package device

import (
	"math/bits"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// linkEvents maps SuperSpeed link and high-speed power events that need no
// teardown to the status they report, in service order.
var linkEvents = [...]struct {
	event  hal.DeviceEvents
	status LinkStatus
}{
	{hal.EventU1Entry, LinkU1Entry},
	{hal.EventU1Exit, LinkU1Exit},
	{hal.EventU2Entry, LinkU2Entry},
	{hal.EventU2Exit, LinkU2Exit},
	{hal.EventU3Entry, LinkU3Entry},
	{hal.EventU3Exit, LinkU3Exit},
	{hal.EventSuspend, LinkSuspend},
	{hal.EventResume, LinkResume},
}

// HandleInterrupt services one interrupt. Both event groups are read once
// up front; the device group is then handled in a fixed order: VBUS, link
// power states, resets, EP0 abort/fail, EP0 data and status stages, and
// finally a latched SETUP packet. Endpoint DMA and FIFO events come last.
//
// It is installed with the HAL at Initialize and must not be called
// concurrently with itself.
func (c *Controller) HandleInterrupt() {
	dev := c.hw.DeviceEvents()
	eps := c.hw.EndpointEvents()

	if dev.Has(hal.EventVBUS) {
		if c.hw.VBUS() {
			c.setLink(LinkConnected)
		} else {
			c.disconnect(LinkDisconnected)
		}
	}
	for _, le := range linkEvents {
		if dev.Has(le.event) {
			c.setLink(le.status)
		}
	}
	switch {
	case dev.Has(hal.EventWarmReset):
		c.busReset(LinkWarmReset)
	case dev.Has(hal.EventHotReset):
		c.busReset(LinkHotReset)
	case dev.Has(hal.EventBusReset):
		c.busReset(LinkBusReset)
	}

	c.serviceEP0(dev)
	c.serviceEndpoints(eps)
}

func (c *Controller) serviceEP0(dev hal.DeviceEvents) {
	c.ep0.mu.Lock()
	defer c.ep0.mu.Unlock()

	switch {
	case dev.Has(hal.EventCommandAbort):
		c.handleAbort("abort")
	case dev.Has(hal.EventCommandFail):
		c.handleAbort("fail")
	}
	if dev.Has(hal.EventDataIn) {
		c.handleDataIn()
	}
	if dev.Has(hal.EventDataOut) {
		c.handleDataOut()
	}
	if dev.Has(hal.EventStatus) {
		c.handleStatus()
	}
	if c.ep0.current() == controlIdle && c.hw.SetupPending() {
		c.handleSetup()
	}
}

func (c *Controller) serviceEndpoints(ev hal.EndpointEvents) {
	for m := ev.DMA; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros32(m)
		b := c.table.byIndex(idx)
		if b == nil {
			pkg.LogDebug(pkg.ComponentIRQ, "DMA completion on unopened endpoint", "index", idx)
			continue
		}
		if c.hw.SlotOwned(b.alloc.Slot) {
			pkg.LogDebug(pkg.ComponentIRQ, "stale DMA completion", "address", endpointLabel(b.config.Address))
			continue
		}
		if c.table.complete(b) {
			c.wake.post(idx)
		}
	}
	for m := ev.FIFO; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros32(m)
		c.hw.SetFIFOInterrupt(hal.EndpointAddress(idx), false)
		if b := c.table.byIndex(idx); b != nil && c.table.drainWaiter(b) {
			c.wake.post(idx)
		}
	}
}

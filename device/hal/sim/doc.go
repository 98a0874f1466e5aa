// Package sim implements an in-memory dual-speed USB device controller.
//
// The [Controller] satisfies [hal.Controller] on its device side, so the
// driver in package device runs against it unchanged. Its host side stands
// in for the cable, the link and the host stack: tests and the udcsim
// command attach a link, issue control transfers and move bulk data through
// the same interrupt and DMA paths real silicon would exercise.
//
// # Interrupts
//
// Events are latched in two groups, device status/control and
// per-endpoint DMA/FIFO, and a single goroutine started by Init calls the
// installed handler until both groups read empty. The handler therefore
// never runs concurrently with itself.
//
// # DMA
//
// Each endpoint owns one of [Slots] descriptor slots. IN descriptors
// complete as soon as the doorbell is accepted; their packets stay in the
// endpoint FIFO until the host reads them (unless [WithAutoDrain] is set).
// OUT descriptors complete on a short packet or when their length is
// filled.
//
// # Usage
//
//	ctl := sim.New()
//	drv, _ := device.New(ctl, device.Config{})
//	_ = drv.Initialize(ctx)
//	ctl.Attach(hal.SpeedSuper)
//	desc, _ := ctl.Control(ctx, device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, 18).Bytes(), nil)
package sim

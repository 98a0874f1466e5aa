// Package device implements the device-side driver for a dual-speed
// (high-speed / SuperSpeed) USB controller.
//
// It talks to silicon only through [hal.Controller], defined in
// [github.com/ardnew/softudc/device/hal]. An in-memory implementation for
// tests and simulation lives in [github.com/ardnew/softudc/device/hal/sim].
//
// # Architecture
//
//   - [Controller] owns the lifecycle, link state and endpoint table
//   - The EP0 state machine decodes SETUP packets, answers chapter 9
//     requests and stages control data for class and vendor handlers
//   - The transfer engine ([Controller.BulkSend], [Controller.BulkReceive],
//     [Controller.InterruptSend]) arms DMA descriptors and blocks the caller
//     on a per-endpoint wake bit
//   - [Controller.HandleInterrupt] services both interrupt groups in a fixed
//     order and is the only code that completes transfers
//   - A [Class] (or a static [DescriptorSet]) supplies descriptors and opens
//     endpoints when the host selects a configuration. Classes with fixed
//     descriptors embed [DescriptorClass] and build them with
//     [BuildClassDescriptors]; the cdc, hid and loopback packages under
//     device/class are examples
//
// # Endpoint States
//
// Every opened endpoint moves through
//
//	NotAvailable -> ReadyIdle -> Transferring -> TransferDone | Terminated -> ReadyIdle | NotAvailable
//
// Only one transfer may be outstanding per endpoint; a second caller gets
// [pkg.ErrTransferInProgress]. A disconnect or bus reset moves in-flight
// transfers to Terminated and wakes their callers.
//
// # Resources
//
// The controller has [FIFOEntries] FIFO entries and [DMASlots] descriptor
// slots shared by all endpoints. Each endpoint takes burst+1 entries at
// SuperSpeed, two at high speed, and one slot, first-fit in open order.
// Resources are returned only when the configuration is torn down.
//
// # Example
//
//	ctl := sim.New()
//	drv, err := device.New(ctl, device.Config{
//	    OnLinkStatus: func(s device.LinkStatus) { log.Println(s) },
//	})
//	if err != nil { ... }
//	if err := drv.Initialize(ctx); err != nil { ... }
//	_ = drv.SetEnable(true)
//
//	buf := hal.AllocDMABuffer(512)
//	err = drv.BulkSend(ctx, device.DefaultBulkIn, buf, 512, time.Second)
package device

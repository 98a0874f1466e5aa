// Package hal defines the hardware boundary of the dual-speed USB device
// controller driver.
//
// The [Controller] interface exposes one typed accessor per register (or
// fixed register sequence) the driver touches: interrupt status groups,
// EP0 FIFO access, FIFO-entry programming, single-buffer DMA descriptors
// ("PRDs") and their doorbells. Volatile access semantics live entirely
// behind this interface; the protocol state machines in the device package
// never see a raw register.
//
// # Interrupt Groups
//
// The controller reports two independent groups:
//
//   - [DeviceEvents]: VBUS, link-power states, resets, and EP0 stages
//   - [EndpointEvents]: per-endpoint DMA completion and one-shot FIFO-empty
//
// Both are read-to-clear. The handler installed by [Controller.Init] runs
// in interrupt context and must never block.
//
// # DMA Buffers
//
// Memory handed to the DMA engine must be a [DMABuffer]. It enforces
// [DMAAlignment] and tracks whether a descriptor still references it. This
// file is the only place in the driver that performs address arithmetic.
//
// A simulated controller for tests and tooling is available in
// [github.com/ardnew/softudc/device/hal/sim].
package hal

package device

import (
	"fmt"
)

// Response is a request handler's verdict on a control transfer.
type Response uint8

const (
	// ResponseAck completes the request with a zero-length status stage.
	ResponseAck Response = iota
	// ResponseStall rejects the request.
	ResponseStall
	// ResponseRunning means the handler staged a data stage with
	// [Controller.ControlSend] or [Controller.ControlRead].
	ResponseRunning
)

func (r Response) String() string {
	switch r {
	case ResponseAck:
		return "ACK"
	case ResponseStall:
		return "STALL"
	case ResponseRunning:
		return "Running"
	default:
		return fmt.Sprintf("Response(%d)", uint8(r))
	}
}

// Class is a registered device class. It supplies descriptors, opens its
// endpoints when the host selects a configuration and handles the requests
// the core does not.
//
// Every method except Init and DeInit runs in interrupt context and must not
// block. Init and DeInit also run in interrupt context when triggered by
// SET_CONFIGURATION, so they may open endpoints but must not wait on
// transfers.
type Class interface {
	DeviceDescriptor(speed Speed) []byte
	ConfigDescriptor(speed Speed) []byte
	StringDescriptor(speed Speed, index uint8) []byte
	BOSDescriptor(speed Speed) []byte

	// Init opens the endpoints of configuration 1 at speed.
	Init(c *Controller, speed Speed) error
	// DeInit runs when the configuration is torn down.
	DeInit(c *Controller)

	HandleClass(c *Controller, setup *SetupPacket) Response
	HandleVendor(c *Controller, setup *SetupPacket) Response
	HandleFeature(c *Controller, setup *SetupPacket, set bool) Response
	SetInterface(c *Controller, setup *SetupPacket) Response

	// DataIn runs after an EP0 IN data stage completes.
	DataIn(c *Controller, setup *SetupPacket)
	// DataOut runs after an EP0 OUT data stage is received.
	DataOut(c *Controller, setup *SetupPacket, data []byte)

	LinkStatus(status LinkStatus)
}

// QualifierProvider is implemented by classes that answer
// GET_DESCRIPTOR(DEVICE_QUALIFIER) themselves.
type QualifierProvider interface {
	QualifierDescriptor() []byte
}

// BaseClass provides default implementations of every Class method. Embed it
// and override what the class needs.
type BaseClass struct{}

func (BaseClass) DeviceDescriptor(Speed) []byte        { return nil }
func (BaseClass) ConfigDescriptor(Speed) []byte        { return nil }
func (BaseClass) StringDescriptor(Speed, uint8) []byte { return nil }
func (BaseClass) BOSDescriptor(Speed) []byte           { return nil }
func (BaseClass) Init(*Controller, Speed) error        { return nil }
func (BaseClass) DeInit(*Controller)                   {}

func (BaseClass) HandleClass(*Controller, *SetupPacket) Response  { return ResponseStall }
func (BaseClass) HandleVendor(*Controller, *SetupPacket) Response { return ResponseStall }

func (BaseClass) HandleFeature(_ *Controller, setup *SetupPacket, set bool) Response {
	return DefaultFeature(setup, set)
}

// SetInterface accepts alternate setting 0 only.
func (BaseClass) SetInterface(_ *Controller, setup *SetupPacket) Response {
	if setup.Value == 0 {
		return ResponseAck
	}
	return ResponseStall
}

func (BaseClass) DataIn(*Controller, *SetupPacket)          {}
func (BaseClass) DataOut(*Controller, *SetupPacket, []byte) {}
func (BaseClass) LinkStatus(LinkStatus)                     {}

// DefaultFeature acknowledges the link power-management features a
// dual-speed device must accept (U1, U2, LTM, remote wakeup and function
// suspend) and stalls everything else.
func DefaultFeature(setup *SetupPacket, _ bool) Response {
	switch setup.Recipient() {
	case RequestRecipientDevice:
		switch setup.Value {
		case FeatureDeviceRemoteWakeup, FeatureU1Enable, FeatureU2Enable, FeatureLTMEnable:
			return ResponseAck
		}
	case RequestRecipientInterface:
		if setup.Value == FeatureFunctionSuspend {
			return ResponseAck
		}
	}
	return ResponseStall
}

// VendorHandler answers vendor requests when no class is registered.
type VendorHandler func(c *Controller, setup *SetupPacket) Response

// DescriptorClass serves a [DescriptorSet] and opens the endpoints its
// configuration bundle declares. Classes with fixed descriptors embed it and
// override the request handlers they need.
type DescriptorClass struct {
	BaseClass
	Set *DescriptorSet
}

func (d *DescriptorClass) DeviceDescriptor(speed Speed) []byte { return d.Set.device(speed) }
func (d *DescriptorClass) ConfigDescriptor(speed Speed) []byte { return d.Set.config(speed) }
func (d *DescriptorClass) BOSDescriptor(Speed) []byte          { return d.Set.BOS }

func (d *DescriptorClass) StringDescriptor(_ Speed, index uint8) []byte {
	return d.Set.str(index)
}

// QualifierDescriptor derives the device qualifier from the high-speed
// device descriptor.
func (d *DescriptorClass) QualifierDescriptor() []byte {
	var dev DeviceDescriptor
	if ParseDeviceDescriptor(d.Set.DeviceHS, &dev) != nil {
		return nil
	}
	buf := make([]byte, QualifierDescriptorSize)
	dev.QualifierTo(buf)
	return buf
}

// Init opens every endpoint of the configuration bundle for speed.
func (d *DescriptorClass) Init(c *Controller, speed Speed) error {
	eps, err := ParseEndpoints(d.Set.config(speed))
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if err := c.OpenEndpointConfig(ep); err != nil {
			return err
		}
	}
	return nil
}

// staticClass is the provider used when no class is registered.
type staticClass struct {
	DescriptorClass
	vendor VendorHandler
}

func (s *staticClass) HandleVendor(c *Controller, setup *SetupPacket) Response {
	if s.vendor == nil {
		return ResponseStall
	}
	return s.vendor(c, setup)
}

package device

import (
	"github.com/ardnew/softudc/device/hal"
)

// DescriptorSet is a static set of descriptors served when no class is
// registered. Each speed has its own device and configuration descriptors;
// the configuration bundles are also parsed to open endpoints when the host
// selects configuration 1.
type DescriptorSet struct {
	DeviceHS []byte
	DeviceSS []byte
	ConfigHS []byte
	ConfigSS []byte
	BOS      []byte
	Strings  [][]byte // index 0 is the language ID table
}

func (d *DescriptorSet) device(speed Speed) []byte {
	if speed == SpeedSuper {
		return d.DeviceSS
	}
	return d.DeviceHS
}

func (d *DescriptorSet) config(speed Speed) []byte {
	if speed == SpeedSuper {
		return d.ConfigSS
	}
	return d.ConfigHS
}

func (d *DescriptorSet) str(index uint8) []byte {
	if int(index) < len(d.Strings) {
		return d.Strings[index]
	}
	return nil
}

// Default descriptor identity.
const (
	DefaultVendorID  = 0x1D6B
	DefaultProductID = 0x0120
)

// Endpoints of the default vendor-specific interface.
const (
	DefaultBulkOut      = 0x01
	DefaultBulkIn       = 0x81
	DefaultInterruptIn  = 0x82
	defaultSSBulkBurst  = 3
	defaultIntervalHS   = 4 // 2^(4-1) microframes
	defaultIntervalSS   = 4
	defaultMaxPowerHS   = 250 // 500 mA
	defaultMaxPowerSS   = 112 // 896 mA
	defaultSerialString = "0001"
)

// DefaultEndpoints returns the endpoint list of the default configuration at
// speed.
func DefaultEndpoints(speed Speed) []EndpointConfig {
	if speed == SpeedSuper {
		return []EndpointConfig{
			{Address: DefaultBulkOut, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: defaultSSBulkBurst},
			{Address: DefaultBulkIn, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: defaultSSBulkBurst},
			{Address: DefaultInterruptIn, Type: hal.TransferInterrupt, MaxPacketSize: 1024, Interval: defaultIntervalSS},
		}
	}
	return []EndpointConfig{
		{Address: DefaultBulkOut, Type: hal.TransferBulk, MaxPacketSize: 512},
		{Address: DefaultBulkIn, Type: hal.TransferBulk, MaxPacketSize: 512},
		{Address: DefaultInterruptIn, Type: hal.TransferInterrupt, MaxPacketSize: 64, Interval: defaultIntervalHS},
	}
}

// DefaultDescriptors builds the built-in vendor-specific descriptor set: one
// interface with a bulk pair and an interrupt IN endpoint, at both speeds.
func DefaultDescriptors() *DescriptorSet {
	return BuildDescriptors(DescriptorIdentity{
		VendorID:     DefaultVendorID,
		ProductID:    DefaultProductID,
		Manufacturer: "softudc",
		Product:      "softudc dual-speed device",
		Serial:       defaultSerialString,
	}, DefaultEndpoints)
}

// DescriptorIdentity holds the identifying fields of a generated set.
type DescriptorIdentity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	Class        uint8 // interface class; zero selects vendor-specific
	DeviceClass  uint8 // zero defers to the interfaces
}

// BuildDescriptors generates a complete set for id with one interface whose
// endpoints at each speed are given by endpoints.
func BuildDescriptors(id DescriptorIdentity, endpoints func(Speed) []EndpointConfig) *DescriptorSet {
	class := id.Class
	if class == 0 {
		class = ClassVendor
	}
	return BuildClassDescriptors(id, func(b *ConfigBuilder, speed Speed) {
		b.Interface(InterfaceDescriptor{InterfaceClass: class})
		for _, ep := range endpoints(speed) {
			b.Endpoint(ep)
		}
	})
}

// BuildClassDescriptors generates a complete set for id. layout adds the
// interfaces and endpoints of configuration 1 at each speed; the builder
// already carries the configuration header.
func BuildClassDescriptors(id DescriptorIdentity, layout func(b *ConfigBuilder, speed Speed)) *DescriptorSet {
	dev := DeviceDescriptor{
		DeviceClass:       id.DeviceClass,
		VendorID:          id.VendorID,
		ProductID:         id.ProductID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	set := &DescriptorSet{}

	dev.USBVersion, dev.MaxPacketSize0 = 0x0210, 64
	set.DeviceHS = make([]byte, DeviceDescriptorSize)
	dev.MarshalTo(set.DeviceHS)

	dev.USBVersion, dev.MaxPacketSize0 = 0x0320, 9
	set.DeviceSS = make([]byte, DeviceDescriptorSize)
	dev.MarshalTo(set.DeviceSS)

	for _, speed := range []Speed{SpeedHigh, SpeedSuper} {
		b := ConfigBuilder{
			Config: ConfigurationDescriptor{
				ConfigurationValue: 1,
				Attributes:         ConfigAttrBusPowered,
				MaxPower:           defaultMaxPowerHS,
			},
			SuperSpeed: speed == SpeedSuper,
		}
		if speed == SpeedSuper {
			b.Config.MaxPower = defaultMaxPowerSS
		}
		layout(&b, speed)
		if speed == SpeedSuper {
			set.ConfigSS = b.Bytes()
		} else {
			set.ConfigHS = b.Bytes()
		}
	}

	set.BOS = make([]byte, BOSDescriptorSize+USB2ExtensionSize+SSCapabilitySize)
	BOSTo(set.BOS)

	set.Strings = append(set.Strings, stringDescriptor(func(b []byte) int { return LanguageDescriptorTo(b, LangIDUSEnglish) }))
	for _, s := range []string{id.Manufacturer, id.Product, id.Serial} {
		s := s
		set.Strings = append(set.Strings, stringDescriptor(func(b []byte) int { return StringDescriptorTo(b, s) }))
	}
	return set
}

func stringDescriptor(write func([]byte) int) []byte {
	var buf [255]byte
	n := write(buf[:])
	return append([]byte(nil), buf[:n]...)
}

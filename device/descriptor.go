package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
	DescriptorTypeDeviceCapability     = 0x10
	DescriptorTypeSSEndpointCompanion  = 0x30
)

// Class codes used by the built-in descriptor sets.
const (
	ClassPerInterface = 0x00
	ClassVendor       = 0xFF
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	SSCompanionDescriptorSize   = 6
	QualifierDescriptorSize     = 10
	BOSDescriptorSize           = 5
	USB2ExtensionSize           = 7
	SSCapabilitySize            = 10
)

// Device capability types carried in the BOS.
const (
	CapabilityUSB2Extension = 0x02
	CapabilitySuperSpeedUSB = 0x03
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // BCD
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8 // bytes at high speed, exponent at SuperSpeed
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo encodes d into buf and returns the bytes written, 0 if buf is short.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0], buf[1] = DeviceDescriptorSize, DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:], d.USBVersion)
	buf[4], buf[5], buf[6], buf[7] = d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:], d.DeviceVersion)
	buf[14], buf[15], buf[16], buf[17] = d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor from data into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := checkHeader(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// QualifierTo encodes the device qualifier that describes d at the other
// speed. It returns the bytes written, 0 if buf is short.
func (d *DeviceDescriptor) QualifierTo(buf []byte) int {
	if len(buf) < QualifierDescriptorSize {
		return 0
	}
	buf[0], buf[1] = QualifierDescriptorSize, DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(buf[2:], 0x0200)
	buf[4], buf[5], buf[6], buf[7] = d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, 64
	buf[8], buf[9] = d.NumConfigurations, 0
	return QualifierDescriptorSize
}

// ConfigurationDescriptor is the 9-byte header of a configuration bundle.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units at high speed, 8 mA at SuperSpeed
}

// MarshalTo encodes c into buf and returns the bytes written, 0 if buf is short.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0], buf[1] = ConfigurationDescriptorSize, DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:], c.TotalLength)
	buf[4], buf[5], buf[6], buf[7], buf[8] = c.NumInterfaces, c.ConfigurationValue,
		c.ConfigurationIndex, c.Attributes, c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor decodes a configuration header into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := checkHeader(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the standard interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// MarshalTo encodes i into buf and returns the bytes written, 0 if buf is short.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0], buf[1] = InterfaceDescriptorSize, DescriptorTypeInterface
	buf[2], buf[3], buf[4] = i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints
	buf[5], buf[6], buf[7], buf[8] = i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.InterfaceIndex
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor decodes an interface descriptor into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkHeader(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return nil
}

// EndpointDescriptor is the standard endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8 // low two bits carry the transfer type
	MaxPacketSize   uint16
	Interval        uint8
}

// MarshalTo encodes e into buf and returns the bytes written, 0 if buf is short.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0], buf[1] = EndpointDescriptorSize, DescriptorTypeEndpoint
	buf[2], buf[3] = e.EndpointAddress, e.Attributes
	binary.LittleEndian.PutUint16(buf[4:], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor decodes an endpoint descriptor into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkHeader(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:]),
		Interval:        data[6],
	}
	return nil
}

// SSCompanionDescriptor follows each endpoint descriptor in a SuperSpeed
// configuration.
type SSCompanionDescriptor struct {
	MaxBurst         uint8 // packets per burst, minus one
	Attributes       uint8
	BytesPerInterval uint16
}

// MarshalTo encodes s into buf and returns the bytes written, 0 if buf is short.
func (s *SSCompanionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < SSCompanionDescriptorSize {
		return 0
	}
	buf[0], buf[1] = SSCompanionDescriptorSize, DescriptorTypeSSEndpointCompanion
	buf[2], buf[3] = s.MaxBurst, s.Attributes
	binary.LittleEndian.PutUint16(buf[4:], s.BytesPerInterval)
	return SSCompanionDescriptorSize
}

// ParseSSCompanionDescriptor decodes a SuperSpeed companion into out.
func ParseSSCompanionDescriptor(data []byte, out *SSCompanionDescriptor) error {
	if err := checkHeader(data, SSCompanionDescriptorSize, DescriptorTypeSSEndpointCompanion); err != nil {
		return err
	}
	*out = SSCompanionDescriptor{
		MaxBurst:         data[2],
		Attributes:       data[3],
		BytesPerInterval: binary.LittleEndian.Uint16(data[4:]),
	}
	return nil
}

// BOSTo writes a BOS descriptor carrying the USB 2.0 extension (LPM) and the
// SuperSpeed device capability. It returns the bytes written, 0 if buf is short.
func BOSTo(buf []byte) int {
	const total = BOSDescriptorSize + USB2ExtensionSize + SSCapabilitySize
	if len(buf) < total {
		return 0
	}
	buf[0], buf[1] = BOSDescriptorSize, DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:], total)
	buf[4] = 2

	ext := buf[BOSDescriptorSize:]
	ext[0], ext[1], ext[2] = USB2ExtensionSize, DescriptorTypeDeviceCapability, CapabilityUSB2Extension
	binary.LittleEndian.PutUint32(ext[3:], 0x00000002) // LPM supported

	ss := ext[USB2ExtensionSize:]
	ss[0], ss[1], ss[2] = SSCapabilitySize, DescriptorTypeDeviceCapability, CapabilitySuperSpeedUSB
	ss[3] = 0 // no LTM
	// Speeds supported: high and SuperSpeed. Full function from high speed.
	binary.LittleEndian.PutUint16(ss[4:], 0x000C)
	ss[6] = 0x02
	// U1 and U2 exit latencies.
	ss[7] = 0x0A
	binary.LittleEndian.PutUint16(ss[8:], 0x07FF)
	return total
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor. Strings longer
// than a descriptor can hold are truncated. It returns 0 if buf is short.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if max := (255 - 2) / 2; len(units) > max {
		units = units[:max]
	}
	n := 2 + 2*len(units)
	if len(buf) < n {
		return 0
	}
	buf[0], buf[1] = uint8(n), DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+2*i:], u)
	}
	return n
}

// LanguageDescriptorTo writes string descriptor zero listing langIDs.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	n := 2 + 2*len(langIDs)
	if len(buf) < n {
		return 0
	}
	buf[0], buf[1] = uint8(n), DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}
	return n
}

func checkHeader(data []byte, size int, typ uint8) error {
	if len(data) < size {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != typ {
		return pkg.ErrDescriptorTypeMismatch
	}
	return nil
}

// EndpointConfig describes one non-control endpoint to open: its address,
// transfer type, packet size and (at SuperSpeed) burst length.
type EndpointConfig struct {
	Address       uint8
	Type          hal.TransferType
	MaxPacketSize uint16
	MaxBurst      uint8
	Interval      uint8
}

// IsIn reports whether the endpoint sends data to the host.
func (e EndpointConfig) IsIn() bool { return e.Address&0x80 != 0 }

// ParseEndpoints walks a configuration bundle and returns every endpoint it
// declares, in order. A SuperSpeed companion following an endpoint supplies
// its burst length.
func ParseEndpoints(config []byte) ([]EndpointConfig, error) {
	var hdr ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(config, &hdr); err != nil {
		return nil, err
	}
	if int(hdr.TotalLength) < len(config) {
		config = config[:hdr.TotalLength]
	}

	var eps []EndpointConfig
	for off := int(config[0]); off < len(config); {
		n := int(config[off])
		if n < 2 || off+n > len(config) {
			return nil, pkg.ErrDescriptorTooShort
		}
		d := config[off : off+n]
		switch d[1] {
		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if err := ParseEndpointDescriptor(d, &ep); err != nil {
				return nil, err
			}
			eps = append(eps, EndpointConfig{
				Address:       ep.EndpointAddress,
				Type:          hal.TransferType(ep.Attributes & 0x03),
				MaxPacketSize: ep.MaxPacketSize & 0x07FF,
				Interval:      ep.Interval,
			})
		case DescriptorTypeSSEndpointCompanion:
			var cd SSCompanionDescriptor
			if err := ParseSSCompanionDescriptor(d, &cd); err != nil {
				return nil, err
			}
			if len(eps) > 0 {
				eps[len(eps)-1].MaxBurst = cd.MaxBurst
			}
		}
		off += n
	}
	return eps, nil
}

// ConfigBuilder assembles a single-configuration bundle. Endpoints added
// after an interface belong to it. When SuperSpeed is set every endpoint
// gets a companion descriptor.
type ConfigBuilder struct {
	Config     ConfigurationDescriptor
	SuperSpeed bool

	buf        []byte
	interfaces uint8
	lastIface  int
}

// Interface appends an interface descriptor. NumEndpoints is filled in by
// Bytes.
func (b *ConfigBuilder) Interface(d InterfaceDescriptor) *ConfigBuilder {
	b.ensureHeader()
	b.lastIface = len(b.buf)
	var tmp [InterfaceDescriptorSize]byte
	d.MarshalTo(tmp[:])
	tmp[4] = 0
	b.buf = append(b.buf, tmp[:]...)
	b.interfaces++
	return b
}

// Endpoint appends an endpoint descriptor (and its companion at SuperSpeed).
func (b *ConfigBuilder) Endpoint(ep EndpointConfig) *ConfigBuilder {
	b.ensureHeader()
	var tmp [EndpointDescriptorSize + SSCompanionDescriptorSize]byte
	n := (&EndpointDescriptor{
		EndpointAddress: ep.Address,
		Attributes:      uint8(ep.Type),
		MaxPacketSize:   ep.MaxPacketSize,
		Interval:        ep.Interval,
	}).MarshalTo(tmp[:])
	if b.SuperSpeed {
		cd := SSCompanionDescriptor{MaxBurst: ep.MaxBurst}
		if ep.Type == hal.TransferInterrupt {
			cd.BytesPerInterval = ep.MaxPacketSize
		}
		n += cd.MarshalTo(tmp[n:])
	}
	b.buf = append(b.buf, tmp[:n]...)
	if b.lastIface > 0 {
		b.buf[b.lastIface+4]++
	}
	return b
}

// Raw appends a class-specific descriptor verbatim.
func (b *ConfigBuilder) Raw(desc []byte) *ConfigBuilder {
	b.ensureHeader()
	b.buf = append(b.buf, desc...)
	return b
}

// Bytes finalizes the header and returns the bundle.
func (b *ConfigBuilder) Bytes() []byte {
	b.ensureHeader()
	b.Config.TotalLength = uint16(len(b.buf))
	b.Config.NumInterfaces = b.interfaces
	b.Config.MarshalTo(b.buf)
	return b.buf
}

func (b *ConfigBuilder) ensureHeader() {
	if b.buf == nil {
		b.buf = make([]byte, ConfigurationDescriptorSize, 64)
	}
}

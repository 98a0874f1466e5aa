package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// Standard request codes (USB 3.2 Table 9-5).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
	RequestSetSEL           = 0x30 // SuperSpeed: U1/U2 exit latencies
	RequestSetIsochDelay    = 0x31 // SuperSpeed: isochronous delay
)

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00 // endpoint recipient
	FeatureFunctionSuspend    = 0x00 // interface recipient
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
	FeatureU1Enable           = 0x30
	FeatureU2Enable           = 0x31
	FeatureLTMEnable          = 0x32
)

// bmRequestType fields.
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is the decoded 8-byte SETUP packet that opens every control
// transfer on endpoint 0.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes the first 8 bytes of data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}
	return nil
}

// MarshalTo encodes the packet into buf and returns 8, or 0 if buf is short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// Bytes returns the wire encoding of the packet.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	s.MarshalTo(b[:])
	return b
}

// IsDeviceToHost reports whether the data stage (if any) flows IN.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestTypeDirectionMask == RequestDirectionDeviceToHost
}

// Type returns the request type bits (standard, class or vendor).
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeTypeMask }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestTypeRecipientMask }

// DescriptorType returns the high byte of wValue for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the low byte of wValue for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// EndpointAddress returns the endpoint addressed by wIndex.
func (s *SetupPacket) EndpointAddress() uint8 { return uint8(s.Index) }

// InterfaceNumber returns the interface addressed by wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }

func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	kind := [...]string{"Standard", "Class", "Vendor", "Reserved"}[s.Type()>>5]
	recip := "Other"
	switch s.Recipient() {
	case RequestRecipientDevice:
		recip = "Device"
	case RequestRecipientInterface:
		recip = "Interface"
	case RequestRecipientEndpoint:
		recip = "Endpoint"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, kind, recip, s.Request, s.Value, s.Index, s.Length)
}

// StandardSetup builds a standard request. The direction bit is derived from
// the request code so callers only choose the recipient.
func StandardSetup(request, recipient uint8, value, index, length uint16) SetupPacket {
	dir := uint8(RequestDirectionHostToDevice)
	switch request {
	case RequestGetStatus, RequestGetDescriptor, RequestGetConfiguration,
		RequestGetInterface, RequestSynchFrame:
		dir = RequestDirectionDeviceToHost
	}
	return SetupPacket{
		RequestType: dir | RequestTypeStandard | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// GetDescriptorSetup builds a GET_DESCRIPTOR request for the device.
func GetDescriptorSetup(descType, descIndex uint8, length uint16) SetupPacket {
	return StandardSetup(RequestGetDescriptor, RequestRecipientDevice,
		uint16(descType)<<8|uint16(descIndex), 0, length)
}

// SetConfigurationSetup builds a SET_CONFIGURATION request.
func SetConfigurationSetup(value uint8) SetupPacket {
	return StandardSetup(RequestSetConfiguration, RequestRecipientDevice, uint16(value), 0, 0)
}

// EndpointFeatureSetup builds SET_FEATURE or CLEAR_FEATURE(ENDPOINT_HALT).
func EndpointFeatureSetup(set bool, address uint8) SetupPacket {
	req := uint8(RequestClearFeature)
	if set {
		req = RequestSetFeature
	}
	return StandardSetup(req, RequestRecipientEndpoint, FeatureEndpointHalt, uint16(address), 0)
}

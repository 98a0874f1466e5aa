package cdc

import (
	"encoding/binary"
)

// CDC class codes.
const (
	ClassCDC     = 0x02 // Communications Device Class
	ClassCDCData = 0x0A // CDC Data Class
	SubclassACM  = 0x02 // Abstract Control Model
	ProtocolAT   = 0x01 // AT Commands: V.250
)

// Class-specific descriptor type and functional descriptor subtypes.
const (
	DescriptorTypeCSInterface = 0x24

	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// ACM class requests.
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// NotificationSerialState is the SERIAL_STATE notification code.
const NotificationSerialState = 0x20

// ACM capability bits advertised in the ACM functional descriptor.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1 // SET/GET_LINE_CODING and SET_CONTROL_LINE_STATE
	ACMCapSendBreak   = 1 << 2
)

// Control line state bits (SET_CONTROL_LINE_STATE wValue).
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// Serial state bits (SERIAL_STATE payload).
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// Stop bit values.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity values.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// LineCoding is the serial line configuration exchanged by
// SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // baud
	CharFormat uint8  // stop bits
	ParityType uint8
	DataBits   uint8 // 5, 6, 7, 8 or 16
}

// LineCodingSize is the encoded size of LineCoding.
const LineCodingSize = 7

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo encodes lc into buf and returns the bytes written, 0 if buf is
// short.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes data into out. It returns false if data is short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = binary.LittleEndian.Uint32(data)
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// functionalDescriptors returns the header, call management, ACM and union
// functional descriptors for a function whose communications interface is
// control and data interface is data.
func functionalDescriptors(control, data uint8) []byte {
	return []byte{
		5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01, // CDC 1.10
		5, DescriptorTypeCSInterface, SubtypeCallManagement, 0x00, data,
		4, DescriptorTypeCSInterface, SubtypeACM, ACMCapLineCoding | ACMCapSendBreak,
		5, DescriptorTypeCSInterface, SubtypeUnion, control, data,
	}
}

// serialStateNotification encodes a SERIAL_STATE notification for iface.
func serialStateNotification(buf []byte, iface uint8, state uint16) int {
	if len(buf) < serialStateSize {
		return 0
	}
	buf[0] = 0xA1 // device-to-host, class, interface
	buf[1] = NotificationSerialState
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint16(buf[4:], uint16(iface))
	binary.LittleEndian.PutUint16(buf[6:], 2)
	binary.LittleEndian.PutUint16(buf[8:], state)
	return serialStateSize
}

const serialStateSize = 10

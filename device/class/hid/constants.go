package hid

import (
	"encoding/binary"
)

// HID interface class, subclass and boot protocol codes.
const (
	ClassHID = 0x03

	SubclassNone = 0x00
	SubclassBoot = 0x01

	ProtocolNone     = 0x00
	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02
)

// HID descriptor types.
const (
	DescriptorTypeHID    = 0x21
	DescriptorTypeReport = 0x22
)

// HID class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// Report types (high byte of wValue in GET_REPORT and SET_REPORT).
const (
	ReportTypeInput   = 0x01
	ReportTypeOutput  = 0x02
	ReportTypeFeature = 0x03
)

// GET_PROTOCOL and SET_PROTOCOL values.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

// CountryNone is the country code of a device without localized hardware.
const CountryNone = 0x00

// HIDDescriptor is the class descriptor that follows the HID interface
// descriptor and announces the report descriptor.
type HIDDescriptor struct {
	HIDVersion    uint16 // BCD
	CountryCode   uint8
	ReportDescLen uint16
}

// HIDDescriptorSize is the encoded size of a HIDDescriptor with one class
// descriptor.
const HIDDescriptorSize = 9

// MarshalTo encodes d into buf and returns the bytes written, 0 if buf is
// short.
func (d *HIDDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HIDDescriptorSize {
		return 0
	}
	buf[0] = HIDDescriptorSize
	buf[1] = DescriptorTypeHID
	binary.LittleEndian.PutUint16(buf[2:], d.HIDVersion)
	buf[4] = d.CountryCode
	buf[5] = 1
	buf[6] = DescriptorTypeReport
	binary.LittleEndian.PutUint16(buf[7:], d.ReportDescLen)
	return HIDDescriptorSize
}

// Keyboard modifier bits.
const (
	ModLeftCtrl   = 1 << 0
	ModLeftShift  = 1 << 1
	ModLeftAlt    = 1 << 2
	ModLeftGUI    = 1 << 3
	ModRightCtrl  = 1 << 4
	ModRightShift = 1 << 5
	ModRightAlt   = 1 << 6
	ModRightGUI   = 1 << 7
)

// Keyboard LED bits carried in the output report.
const (
	LEDNumLock    = 1 << 0
	LEDCapsLock   = 1 << 1
	LEDScrollLock = 1 << 2
)

// A few keyboard usages; see the HID Usage Tables for the rest.
const (
	KeyNone  = 0x00
	KeyA     = 0x04
	KeyZ     = 0x1D
	Key1     = 0x1E
	Key0     = 0x27
	KeyEnter = 0x28
	KeySpace = 0x2C
)

// Mouse button bits.
const (
	MouseButtonLeft   = 1 << 0
	MouseButtonRight  = 1 << 1
	MouseButtonMiddle = 1 << 2
)

// KeyboardReportDescriptor describes the 8-byte boot keyboard report:
// modifiers, reserved, six key usages, plus a 5-bit LED output report.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, // Generic Desktop, Keyboard, Application
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, // modifier usages
	0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02,
	0x95, 0x01, 0x75, 0x08, 0x81, 0x01, // reserved byte
	0x95, 0x05, 0x75, 0x01, 0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02, // LEDs
	0x95, 0x01, 0x75, 0x03, 0x91, 0x01, // LED padding
	0x95, 0x06, 0x75, 0x08, 0x15, 0x00, 0x26, 0xFF, 0x00,
	0x05, 0x07, 0x19, 0x00, 0x2A, 0xFF, 0x00, 0x81, 0x00, // key array
	0xC0,
}

// MouseReportDescriptor describes a 4-byte report: three buttons, then
// relative X, Y and wheel.
var MouseReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, // Generic Desktop, Mouse, Application
	0x09, 0x01, 0xA1, 0x00, // Pointer, Physical
	0x05, 0x09, 0x19, 0x01, 0x29, 0x03, // buttons 1-3
	0x15, 0x00, 0x25, 0x01, 0x95, 0x03, 0x75, 0x01, 0x81, 0x02,
	0x95, 0x01, 0x75, 0x05, 0x81, 0x01, // padding
	0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x09, 0x38, // X, Y, wheel
	0x15, 0x81, 0x25, 0x7F, 0x75, 0x08, 0x95, 0x03, 0x81, 0x06,
	0xC0,
	0xC0,
}

// KeyboardReport is the boot keyboard input report.
type KeyboardReport struct {
	Modifiers uint8
	Keys      [6]uint8
}

// KeyboardReportSize is the encoded size of a KeyboardReport.
const KeyboardReportSize = 8

// MarshalTo encodes r into buf and returns the bytes written, 0 if buf is
// short.
func (r *KeyboardReport) MarshalTo(buf []byte) int {
	if len(buf) < KeyboardReportSize {
		return 0
	}
	buf[0] = r.Modifiers
	buf[1] = 0
	copy(buf[2:KeyboardReportSize], r.Keys[:])
	return KeyboardReportSize
}

// Press adds key to the report. It returns false if six keys are already
// held.
func (r *KeyboardReport) Press(key uint8) bool {
	for i, k := range r.Keys {
		switch k {
		case key:
			return true
		case KeyNone:
			r.Keys[i] = key
			return true
		}
	}
	return false
}

// Release removes key and closes the gap it leaves.
func (r *KeyboardReport) Release(key uint8) {
	for i, k := range r.Keys {
		if k == key {
			copy(r.Keys[i:], r.Keys[i+1:])
			r.Keys[len(r.Keys)-1] = KeyNone
			return
		}
	}
}

// MouseReport is a relative mouse input report.
type MouseReport struct {
	Buttons uint8
	X, Y    int8
	Wheel   int8
}

// MouseReportSize is the encoded size of a MouseReport.
const MouseReportSize = 4

// MarshalTo encodes r into buf and returns the bytes written, 0 if buf is
// short.
func (r *MouseReport) MarshalTo(buf []byte) int {
	if len(buf) < MouseReportSize {
		return 0
	}
	buf[0] = r.Buttons
	buf[1] = byte(r.X)
	buf[2] = byte(r.Y)
	buf[3] = byte(r.Wheel)
	return MouseReportSize
}

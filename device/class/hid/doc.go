// Package hid implements a Human Interface Device class on top of the
// softudc device controller.
//
// A [HID] function has one interface with an interrupt IN endpoint for
// input reports. Output reports from the host arrive through SET_REPORT on
// the control endpoint and are handed to the callback set with
// [HID.SetOnOutputReport]. The HID and report descriptors are served in
// answer to an interface-level GET_DESCRIPTOR.
//
// # Usage
//
//	kbd := hid.New(device.DescriptorIdentity{VendorID: 0x1209, ProductID: 0x0002},
//	    hid.SubclassBoot, hid.ProtocolKeyboard, hid.KeyboardReportDescriptor)
//	kbd.SetOnOutputReport(func(data []byte) { leds := data[0]; ... })
//
//	dev, _ := device.New(hw, device.Config{Class: kbd})
//
//	var r hid.KeyboardReport
//	r.Press(hid.KeyA)
//	kbd.SendKeyboardReport(ctx, &r)
package hid

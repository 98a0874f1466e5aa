// Package cdc implements the CDC-ACM (Abstract Control Model) serial class on
// top of the softudc device controller.
//
// An ACM function has two interfaces:
//
//   - A communications interface that answers SET_LINE_CODING,
//     GET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK, and reports
//     SERIAL_STATE on an interrupt IN endpoint.
//   - A data interface with a bulk OUT and bulk IN endpoint.
//
// The class owns DMA-capable staging buffers for both directions, so
// [ACM.Read] and [ACM.Write] accept ordinary byte slices.
//
// # Usage
//
//	acm := cdc.NewACM(device.DescriptorIdentity{
//	    VendorID:  0x1209,
//	    ProductID: 0x0001,
//	    Product:   "softudc serial",
//	})
//	acm.SetOnLineCodingChange(func(lc *cdc.LineCoding) { ... })
//
//	dev, _ := device.New(hw, device.Config{Class: acm})
//	dev.Initialize(ctx)
//	dev.SetEnable(true)
//
//	n, err := acm.Read(ctx, buf)
//	_, err = acm.Write(ctx, buf[:n])
package cdc

package device

import (
	"encoding/binary"

	"github.com/ardnew/softudc/pkg"
)

// Status bits returned by GET_STATUS(device).
const statusSelfPowered = 0x0001

// standardRequest handles chapter 9 requests. Requests the core does not
// own are forwarded to cls.
func (c *Controller) standardRequest(cls Class, setup *SetupPacket) Response {
	switch setup.Request {
	case RequestGetStatus:
		return c.getStatus(setup)
	case RequestClearFeature, RequestSetFeature:
		return c.feature(cls, setup, setup.Request == RequestSetFeature)
	case RequestSetAddress:
		// The controller latches the address itself after the status stage.
		return ResponseAck
	case RequestGetDescriptor:
		return c.getDescriptor(cls, setup)
	case RequestGetConfiguration:
		var v byte
		if c.table.isActive() {
			v = 1
		}
		return c.sendScratch(v)
	case RequestSetConfiguration:
		return c.setConfiguration(cls, setup.Value)
	case RequestGetInterface:
		if !c.table.isActive() {
			return ResponseStall
		}
		return c.sendScratch(0)
	case RequestSetInterface:
		if !c.table.isActive() {
			return ResponseStall
		}
		return cls.SetInterface(c, setup)
	case RequestSetSEL:
		// Exit latencies only matter to a link power manager we do not run;
		// the six bytes are read and dropped.
		if c.ControlRead(c.ep0.scratch[:6], nil) != nil {
			return ResponseStall
		}
		return ResponseRunning
	case RequestSetIsochDelay:
		return ResponseAck
	}
	return ResponseStall
}

func (c *Controller) sendScratch(b ...byte) Response {
	n := copy(c.ep0.scratch[:], b)
	if c.ControlSend(c.ep0.scratch[:n]) != nil {
		return ResponseStall
	}
	return ResponseRunning
}

// getStatus reports the device as self-powered without remote wakeup.
// Interface and endpoint status words carry no such bit and read as zero.
func (c *Controller) getStatus(setup *SetupPacket) Response {
	var v uint16
	if setup.Recipient() == RequestRecipientDevice {
		v = statusSelfPowered
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return c.sendScratch(b[:]...)
}

func (c *Controller) feature(cls Class, setup *SetupPacket, set bool) Response {
	if setup.Recipient() != RequestRecipientEndpoint || setup.Value != FeatureEndpointHalt {
		return cls.HandleFeature(c, setup, set)
	}
	addr := setup.EndpointAddress()
	if addr&0x0F == 0 {
		return ResponseAck
	}
	if !c.table.exists(addr) {
		return ResponseStall
	}
	if set {
		c.hw.StallEndpoint(addr, true)
	} else {
		c.hw.ResetSequence(addr)
		c.hw.StallEndpoint(addr, false)
	}
	pkg.LogDebug(pkg.ComponentEP0, "endpoint halt", "address", endpointLabel(addr), "set", set)
	return ResponseAck
}

func (c *Controller) getDescriptor(cls Class, setup *SetupPacket) Response {
	if setup.Recipient() != RequestRecipientDevice {
		// Interface-level descriptors (HID report and the like) are class
		// business.
		return cls.HandleClass(c, setup)
	}
	speed := c.Speed()
	var desc []byte
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		desc = cls.DeviceDescriptor(speed)
	case DescriptorTypeConfiguration:
		desc = cls.ConfigDescriptor(speed)
	case DescriptorTypeString:
		desc = cls.StringDescriptor(speed, setup.DescriptorIndex())
	case DescriptorTypeBOS:
		desc = cls.BOSDescriptor(speed)
	case DescriptorTypeDeviceQualifier:
		if q, ok := cls.(QualifierProvider); ok && speed == SpeedHigh {
			desc = q.QualifierDescriptor()
		}
	}
	if len(desc) == 0 || c.ControlSend(desc) != nil {
		return ResponseStall
	}
	return ResponseRunning
}

// setConfiguration handles SET_CONFIGURATION. Any value first terminates
// outstanding transfers and returns every endpoint resource; value 1 then
// reopens the endpoints of the active provider.
func (c *Controller) setConfiguration(cls Class, value uint16) Response {
	if value > 1 {
		return ResponseStall
	}
	c.unconfigure()
	if value == 0 {
		c.mutex.Lock()
		c.link = LinkConnected
		c.mutex.Unlock()
		pkg.LogInfo(pkg.ComponentController, "deconfigured")
		return ResponseAck
	}

	speed := c.Speed()
	if err := cls.Init(c, speed); err != nil {
		pkg.LogError(pkg.ComponentController, "configuration failed", "speed", speed.String(), "error", err)
		c.unconfigure()
		return ResponseStall
	}
	c.table.setActive(true)
	c.setLink(LinkConfigured)
	c.wake.postAll()
	return ResponseAck
}

// Package loopback implements a vendor-specific device class that echoes
// every bulk OUT transfer back to the host on its bulk IN endpoint.
//
// It is the smallest useful registered class: descriptors come from
// [device.BuildDescriptors], the endpoints open in Init, and [Loopback.Serve]
// runs the echo loop from an ordinary goroutine, surviving disconnects,
// resets and reconfiguration.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Endpoints of the loopback interface.
const (
	BulkOut = 0x01
	BulkIn  = 0x81
)

// Vendor requests, addressed to the device.
const (
	// RequestStats returns the transfer and byte counts as two
	// little-endian uint64 values.
	RequestStats = 0x01
	// RequestResetStats zeroes the counts.
	RequestResetStats = 0x02

	statsSize = 16
)

// MaxBurst is the largest burst at which both bulk endpoints fit the FIFO.
const MaxBurst = device.FIFOEntries/2 - 1

// Config tunes a Loopback.
type Config struct {
	// Burst is the SuperSpeed bulk burst length. Both endpoints share the
	// FIFO entries, so it is capped at [MaxBurst].
	Burst uint8
	// BufferSize bounds one echoed transfer. Defaults to 64 KiB.
	BufferSize int
	// Timeout bounds each bulk transfer; zero waits forever.
	Timeout time.Duration
}

// Loopback is the echo class.
type Loopback struct {
	device.DescriptorClass

	cfg Config
	buf *hal.DMABuffer

	mutex      sync.RWMutex
	ctrl       *device.Controller
	configured bool
	changed    chan struct{} // closed and replaced on Init and DeInit

	transfers atomic.Uint64
	bytes     atomic.Uint64

	statsBuf [statsSize]byte
}

// New returns a loopback function described by id.
func New(id device.DescriptorIdentity, cfg Config) *Loopback {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 << 10
	}
	burst := min(cfg.Burst, MaxBurst)
	l := &Loopback{
		cfg:     cfg,
		buf:     hal.AllocDMABuffer(cfg.BufferSize),
		changed: make(chan struct{}),
	}
	l.Set = device.BuildDescriptors(id, func(speed device.Speed) []device.EndpointConfig {
		if speed == device.SpeedSuper {
			return []device.EndpointConfig{
				{Address: BulkOut, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: burst},
				{Address: BulkIn, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: burst},
			}
		}
		return []device.EndpointConfig{
			{Address: BulkOut, Type: hal.TransferBulk, MaxPacketSize: 512},
			{Address: BulkIn, Type: hal.TransferBulk, MaxPacketSize: 512},
		}
	})
	return l
}

func (l *Loopback) Init(c *device.Controller, speed device.Speed) error {
	if err := l.DescriptorClass.Init(c, speed); err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.ctrl = c
	l.configured = true
	l.notifyLocked()
	return nil
}

func (l *Loopback) DeInit(*device.Controller) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.configured = false
	l.notifyLocked()
}

func (l *Loopback) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// state returns the controller while configured, and a channel closed on the
// next configuration change.
func (l *Loopback) state() (*device.Controller, <-chan struct{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if !l.configured {
		return nil, l.changed
	}
	return l.ctrl, l.changed
}

// Configured reports whether the host has selected the configuration.
func (l *Loopback) Configured() bool {
	c, _ := l.state()
	return c != nil
}

// Stats returns the number of echoed transfers and bytes.
func (l *Loopback) Stats() (transfers, bytes uint64) {
	return l.transfers.Load(), l.bytes.Load()
}

func (l *Loopback) HandleVendor(c *device.Controller, setup *device.SetupPacket) device.Response {
	if setup.Recipient() != device.RequestRecipientDevice {
		return device.ResponseStall
	}
	switch setup.Request {
	case RequestStats:
		if !setup.IsDeviceToHost() {
			return device.ResponseStall
		}
		binary.LittleEndian.PutUint64(l.statsBuf[0:], l.transfers.Load())
		binary.LittleEndian.PutUint64(l.statsBuf[8:], l.bytes.Load())
		if c.ControlSend(l.statsBuf[:]) != nil {
			return device.ResponseStall
		}
		return device.ResponseRunning
	case RequestResetStats:
		l.transfers.Store(0)
		l.bytes.Store(0)
		return device.ResponseAck
	}
	return device.ResponseStall
}

// Serve echoes transfers until ctx is done. While the device is not
// configured it waits for the host to select the configuration.
func (l *Loopback) Serve(ctx context.Context) error {
	for {
		c, changed := l.state()
		if c != nil {
			err := l.echo(ctx, c)
			switch {
			case err == nil, errors.Is(err, pkg.ErrTransferTimeout):
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			}
			pkg.LogDebug(pkg.ComponentClass, "loopback waiting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (l *Loopback) echo(ctx context.Context, c *device.Controller) error {
	n, err := c.BulkReceive(ctx, BulkOut, l.buf, l.buf.Len(), l.cfg.Timeout)
	if err != nil {
		return err
	}
	if err := c.BulkSend(ctx, BulkIn, l.buf, n, l.cfg.Timeout); err != nil {
		return err
	}
	l.transfers.Add(1)
	l.bytes.Add(uint64(n))
	pkg.LogDebug(pkg.ComponentClass, "echoed", "bytes", n)
	return nil
}

var _ device.Class = (*Loopback)(nil)

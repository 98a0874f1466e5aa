package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/pkg"
)

func TestEndpointIndexRoundTrip(t *testing.T) {
	for idx := 0; idx < MaxEndpointIndex; idx++ {
		addr := EndpointAddress(idx)
		assert.Equal(t, idx, EndpointIndex(addr), "address 0x%02X", addr)
	}
	assert.Equal(t, 0, EndpointIndex(0x00))
	assert.Equal(t, 18, EndpointIndex(0x82))
	assert.Equal(t, 1, EndpointIndex(0x01))
}

func TestSpeedMaxPacketSize0(t *testing.T) {
	tests := []struct {
		speed Speed
		want  int
		name  string
	}{
		{SpeedNone, 0, "No Link"},
		{SpeedHigh, 64, "High Speed"},
		{SpeedSuper, 512, "SuperSpeed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.speed.MaxPacketSize0())
			assert.Equal(t, tt.name, tt.speed.String())
		})
	}
}

func TestDeviceEventsHas(t *testing.T) {
	ev := EventSetup | EventCommandAbort
	assert.True(t, ev.Has(EventSetup))
	assert.True(t, ev.Has(EventSetup|EventCommandAbort))
	assert.False(t, ev.Has(EventStatus))
	assert.False(t, ev.Has(EventSetup|EventStatus))
}

func TestEndpointEventsEmpty(t *testing.T) {
	assert.True(t, EndpointEvents{}.Empty())
	assert.False(t, EndpointEvents{FIFO: 1 << 18}.Empty())
}

func TestTransferTypeString(t *testing.T) {
	assert.Equal(t, "Bulk", TransferBulk.String())
	assert.Equal(t, "Interrupt", TransferInterrupt.String())
	assert.Equal(t, "Control", TransferControl.String())
	assert.Equal(t, "Unsupported(1)", TransferType(1).String())
}

func TestAllocDMABufferAligned(t *testing.T) {
	for _, n := range []int{1, 7, 64, 512, 4096, 65537} {
		b := AllocDMABuffer(n)
		require.Equal(t, n, b.Len())
		assert.Zero(t, b.Addr()%DMAAlignment, "size %d", n)
	}
}

func TestWrapDMABuffer(t *testing.T) {
	base := AllocDMABuffer(128)

	w, err := WrapDMABuffer(base.Bytes())
	require.NoError(t, err)
	assert.Equal(t, base.Addr(), w.Addr())

	_, err = WrapDMABuffer(base.Bytes()[1:])
	assert.ErrorIs(t, err, pkg.ErrMisaligned)

	empty, err := WrapDMABuffer(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestDMABufferWindow(t *testing.T) {
	b := AllocDMABuffer(16)
	w, err := b.Window(4, 8)
	require.NoError(t, err)
	assert.Len(t, w, 8)

	_, err = b.Window(12, 8)
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
	_, err = b.Window(-1, 2)
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

func TestDMABufferPinning(t *testing.T) {
	b := AllocDMABuffer(8)
	assert.False(t, b.Pinned())
	b.Pin()
	b.Pin()
	assert.True(t, b.Pinned())
	b.Unpin()
	assert.True(t, b.Pinned())
	b.Unpin()
	assert.False(t, b.Pinned())
}

package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/pkg"
)

func TestBulkSendZeroLengthPacket(t *testing.T) {
	h := newHarness(t, Config{Descriptors: bulkPairDescriptors(0x02, 0x82, 512, 1024)})
	h.configure(SpeedHigh)

	buf := hal.AllocDMABuffer(512)
	var got []byte
	var g errgroup.Group
	g.Go(func() error {
		var err error
		got, err = h.hw.ReadTransfer(h.ctx, 0x82)
		return err
	})

	require.NoError(t, h.dev.BulkSend(h.ctx, 0x82, buf, 512, time.Second))
	require.NoError(t, g.Wait())

	assert.Equal(t, []int{512, 0}, h.hw.Packets(0x82))
	assert.Len(t, got, 512)
	assert.Equal(t, StatusReadyIdle, h.status(0x82))
	assert.False(t, buf.Pinned())
}

func TestBulkSendPacketization(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		packets []int
	}{
		{"short", 100, []int{100}},
		{"one and a bit", 1000, []int{512, 488}},
		{"exact multiple", 1024, []int{512, 512, 0}},
		{"empty", 0, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, sim.WithAutoDrain())
			h.configure(SpeedHigh)

			buf := pattern(2048)
			require.NoError(t, h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, tt.n, 0))
			assert.Equal(t, tt.packets, h.hw.Packets(DefaultBulkIn))
			received := h.hw.Received(DefaultBulkIn)
			require.Len(t, received, tt.n)
			if tt.n > 0 {
				assert.Equal(t, buf.Bytes()[:tt.n], received)
			}
			assert.Equal(t, 1, h.hw.Arms(DefaultBulkIn))
		})
	}
}

func TestBulkSendChunking(t *testing.T) {
	h := newHarness(t, Config{}, sim.WithAutoDrain())
	h.configure(SpeedHigh)

	n := MaxDMALength + 100
	buf := pattern(n)
	require.NoError(t, h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, n, 5*time.Second))

	assert.Equal(t, 2, h.hw.Arms(DefaultBulkIn))
	packets := h.hw.Packets(DefaultBulkIn)
	// The first chunk is a whole number of packets, so it ends with a ZLP.
	assert.Len(t, packets, MaxDMALength/512+2)
	assert.Equal(t, []int{512, 0, 100}, packets[len(packets)-3:])
	assert.True(t, bytes.Equal(buf.Bytes(), h.hw.Received(DefaultBulkIn)))
}

func TestBulkSendWaitsForHost(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	buf := pattern(100)
	done := make(chan error, 1)
	go func() { done <- h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, 100, 0) }()

	// DMA completes at once, but the call must wait for the FIFO to drain.
	eventually(t, func() bool { return len(h.hw.Packets(DefaultBulkIn)) == 1 }, "packet produced")
	select {
	case err := <-done:
		t.Fatalf("BulkSend returned before the host read the FIFO: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, StatusTransferDone, h.status(DefaultBulkIn))

	got, err := h.hw.ReadTransfer(h.ctx, DefaultBulkIn)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), got)
	require.NoError(t, <-done)
}

func TestBulkReceive(t *testing.T) {
	tests := []struct {
		name  string
		write int
		zlp   bool
		n     int
		want  int
	}{
		{"short packet ends", 700, false, 1024, 700},
		{"buffer full", 1024, false, 1024, 1024},
		{"zlp ends exact multiple", 512, true, 1024, 512},
		{"truncated to request", 1024, false, 512, 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.configure(SpeedHigh)

			payload := pattern(tt.write).Bytes()
			require.NoError(t, h.hw.Write(DefaultBulkOut, payload, tt.zlp))

			buf := hal.AllocDMABuffer(tt.n)
			got, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, buf, tt.n, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, payload[:tt.want], buf.Bytes()[:got])
			assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))
		})
	}
}

func TestLoopbackIsRepeatable(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedSuper)

	src := pattern(3000)
	for i := 0; i < 2; i++ {
		var g errgroup.Group
		var got []byte
		g.Go(func() error {
			var err error
			got, err = h.hw.ReadTransfer(h.ctx, DefaultBulkIn)
			return err
		})
		require.NoError(t, h.dev.BulkSend(h.ctx, DefaultBulkIn, src, src.Len(), time.Second))
		require.NoError(t, g.Wait())
		require.NoError(t, h.hw.Write(DefaultBulkOut, got, true))

		dst := hal.AllocDMABuffer(4096)
		n, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, dst, dst.Len(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, src.Bytes(), dst.Bytes()[:n], "round %d", i)
	}
}

func TestTransferTimeoutRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	buf := hal.AllocDMABuffer(512)
	_, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, buf, 512, 20*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTransferTimeout)
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))

	require.NoError(t, h.hw.Write(DefaultBulkOut, []byte("again"), false))
	n, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, buf, 512, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "again", string(buf.Bytes()[:n]))
}

func TestLateCompletionAfterTimeout(t *testing.T) {
	entered := make(chan struct{}, 1)
	hold := make(chan struct{})
	var release sync.Once
	h := newHarness(t, Config{OnLinkStatus: func(s LinkStatus) {
		if s == LinkSuspend {
			entered <- struct{}{}
			<-hold
		}
	}})
	t.Cleanup(func() { release.Do(func() { close(hold) }) })
	h.configure(SpeedHigh)

	// Park the interrupt goroutine so the completion below stays latched.
	h.hw.Raise(hal.EventSuspend)
	<-entered

	buf := hal.AllocDMABuffer(512)
	first := make(chan error, 1)
	go func() { first <- errOf(h.dev.BulkReceive(h.ctx, DefaultBulkOut, buf, 512, 100*time.Millisecond)) }()
	require.NoError(t, h.hw.WaitArmed(h.ctx, DefaultBulkOut))
	require.NoError(t, h.hw.Write(DefaultBulkOut, pattern(512).Bytes(), false))
	require.ErrorIs(t, <-first, pkg.ErrTransferTimeout)

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, buf, 512, 200*time.Millisecond)
		second <- result{n, err}
	}()
	require.NoError(t, h.hw.WaitArmed(h.ctx, DefaultBulkOut))
	release.Do(func() { close(hold) })

	// The host sent nothing for the second transfer.
	got := <-second
	assert.ErrorIs(t, got.err, pkg.ErrTransferTimeout)
	assert.Zero(t, got.n)
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))
}

func TestBulkSendTimeoutHaltsFIFO(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	// Nobody reads the FIFO, so the drain phase times out.
	err := h.dev.BulkSend(h.ctx, DefaultBulkIn, pattern(64), 64, 20*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTransferTimeout)
	assert.True(t, h.hw.FIFOEmpty(DefaultBulkIn), "halt flushes the FIFO")
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkIn))
}

func TestTransferContextCancel(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() {
		_, err := h.dev.BulkReceive(ctx, DefaultBulkOut, hal.AllocDMABuffer(64), 64, 0)
		done <- err
	}()
	require.NoError(t, h.hw.WaitArmed(h.ctx, DefaultBulkOut))
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))
}

func TestConcurrentTransferRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	done := make(chan error, 1)
	go func() {
		_, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, hal.AllocDMABuffer(64), 64, 0)
		done <- err
	}()
	require.NoError(t, h.hw.WaitArmed(h.ctx, DefaultBulkOut))

	_, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, hal.AllocDMABuffer(64), 64, 0)
	assert.ErrorIs(t, err, pkg.ErrTransferInProgress)

	require.NoError(t, h.hw.Write(DefaultBulkOut, []byte{1, 2, 3}, false))
	assert.NoError(t, <-done)
}

func TestDisconnectTerminatesTransfers(t *testing.T) {
	set := BuildDescriptors(DescriptorIdentity{VendorID: 0x1209, ProductID: 0x0002}, func(Speed) []EndpointConfig {
		return []EndpointConfig{
			{Address: 0x01, Type: hal.TransferBulk, MaxPacketSize: 1024},
			{Address: 0x02, Type: hal.TransferBulk, MaxPacketSize: 1024},
			{Address: 0x03, Type: hal.TransferInterrupt, MaxPacketSize: 64},
			{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 1024},
		}
	})
	h := newHarness(t, Config{Descriptors: set})
	h.configure(SpeedSuper)

	outs := []uint8{0x01, 0x02, 0x03}
	results := make([]error, len(outs))
	var g errgroup.Group
	for i, addr := range outs {
		i, addr := i, addr
		g.Go(func() error {
			_, results[i] = h.dev.BulkReceive(h.ctx, addr, hal.AllocDMABuffer(1024), 1024, 0)
			return nil
		})
	}
	for _, addr := range outs {
		require.NoError(t, h.hw.WaitArmed(h.ctx, addr))
	}

	h.hw.Detach()
	require.NoError(t, g.Wait())
	for i, err := range results {
		assert.ErrorIs(t, err, pkg.ErrTransferTerminated, "caller 0x%02X", outs[i])
	}
	h.expectLinks(LinkDisconnected)
	assert.False(t, h.dev.Configured())
	for _, info := range h.dev.Endpoints() {
		assert.Equal(t, StatusNotAvailable, info.Status, "endpoint 0x%02X", info.Address)
	}

	_, err := h.dev.BulkReceive(h.ctx, 0x01, hal.AllocDMABuffer(64), 64, 0)
	assert.ErrorIs(t, err, pkg.ErrNotConfigured)
}

func TestDisconnectWhileDraining(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	done := make(chan error, 1)
	go func() { done <- h.dev.BulkSend(h.ctx, DefaultBulkIn, pattern(100), 100, 0) }()
	b := h.dev.table.lookup(DefaultBulkIn)
	eventually(t, func() bool { return h.dev.table.drainWaiter(b) }, "send waiting on FIFO")

	// Whether the flush or the terminate is seen first, the caller must
	// not hang and must not report a timeout.
	h.hw.Detach()
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, pkg.ErrTransferTerminated)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BulkSend did not return after disconnect")
	}
	eventually(t, func() bool { return h.status(DefaultBulkIn) == StatusNotAvailable }, "endpoint unavailable")
}

func TestResetEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	require.NoError(t, h.dev.ResetEndpoint(DefaultBulkOut), "idle reset is a no-op")
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))

	done := make(chan error, 1)
	go func() {
		_, err := h.dev.BulkReceive(h.ctx, DefaultBulkOut, hal.AllocDMABuffer(64), 64, 0)
		done <- err
	}()
	require.NoError(t, h.hw.WaitArmed(h.ctx, DefaultBulkOut))
	require.NoError(t, h.dev.ResetEndpoint(DefaultBulkOut))
	assert.ErrorIs(t, <-done, pkg.ErrTransferTerminated)
	assert.Equal(t, StatusReadyIdle, h.status(DefaultBulkOut))

	require.NoError(t, h.dev.ResetEndpointSequence(DefaultBulkIn))
	assert.Equal(t, 1, h.hw.SequenceResets(DefaultBulkIn))
	assert.ErrorIs(t, h.dev.ResetEndpoint(0x8E), pkg.ErrInvalidEndpoint)
	assert.ErrorIs(t, h.dev.ResetEndpointSequence(0x0E), pkg.ErrInvalidEndpoint)
}

func TestInterruptSend(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)

	report := pattern(64)
	require.NoError(t, h.dev.InterruptSend(h.ctx, DefaultInterruptIn, report, 64, time.Second))
	assert.Equal(t, []int{64}, h.hw.Packets(DefaultInterruptIn), "no ZLP on interrupt endpoints")

	err := h.dev.InterruptSend(h.ctx, DefaultInterruptIn, report, 8, time.Second)
	assert.ErrorIs(t, err, pkg.ErrTransferInProgress, "FIFO still holds the first report")

	p, err := h.hw.ReadPacket(h.ctx, DefaultInterruptIn)
	require.NoError(t, err)
	assert.Equal(t, report.Bytes(), p)
	require.NoError(t, h.dev.InterruptSend(h.ctx, DefaultInterruptIn, report, 8, time.Second))

	big := hal.AllocDMABuffer(MaxInterruptPayload + 1)
	err = h.dev.InterruptSend(h.ctx, DefaultInterruptIn, big, big.Len(), time.Second)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestTransferValidation(t *testing.T) {
	h := newHarness(t, Config{})

	buf := hal.AllocDMABuffer(64)
	err := h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, 64, 0)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint, "nothing opened yet")

	h.configure(SpeedHigh)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"send on OUT", h.dev.BulkSend(h.ctx, DefaultBulkOut, buf, 8, 0), pkg.ErrInvalidEndpoint},
		{"bulk send on interrupt", h.dev.BulkSend(h.ctx, DefaultInterruptIn, buf, 8, 0), pkg.ErrInvalidEndpoint},
		{"interrupt send on bulk", h.dev.InterruptSend(h.ctx, DefaultBulkIn, buf, 8, 0), pkg.ErrInvalidEndpoint},
		{"receive on IN", errOf(h.dev.BulkReceive(h.ctx, DefaultBulkIn, buf, 8, 0)), pkg.ErrInvalidEndpoint},
		{"nil buffer", h.dev.BulkSend(h.ctx, DefaultBulkIn, nil, 8, 0), pkg.ErrInvalidParameter},
		{"negative length", h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, -1, 0), pkg.ErrInvalidParameter},
		{"length beyond buffer", h.dev.BulkSend(h.ctx, DefaultBulkIn, buf, 65, 0), pkg.ErrBufferTooSmall},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.err, tt.want, tt.name)
	}
}

func TestTransferAfterClose(t *testing.T) {
	h := newHarness(t, Config{})
	h.configure(SpeedHigh)
	require.NoError(t, h.dev.Close())

	err := h.dev.BulkSend(context.Background(), DefaultBulkIn, hal.AllocDMABuffer(8), 8, 0)
	assert.ErrorIs(t, err, pkg.ErrNotInitialized)
	assert.ErrorIs(t, h.dev.Initialize(context.Background()), pkg.ErrNotInitialized)
	assert.ErrorIs(t, h.dev.SetEnable(true), pkg.ErrNotInitialized)
}

func TestDoorbellLatency(t *testing.T) {
	h := newHarness(t, Config{}, sim.WithAutoDrain(), sim.WithDoorbellLatency(3))
	h.configure(SpeedSuper)

	require.NoError(t, h.dev.BulkSend(h.ctx, DefaultBulkIn, pattern(2048), 2048, time.Second))
	assert.Equal(t, []int{1024, 1024, 0}, h.hw.Packets(DefaultBulkIn))
}

func TestConcurrentEndpoints(t *testing.T) {
	h := newHarness(t, Config{}, sim.WithAutoDrain())
	h.configure(SpeedSuper)

	g, ctx := errgroup.WithContext(h.ctx)
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if err := h.dev.BulkSend(ctx, DefaultBulkIn, pattern(1500), 1500, time.Second); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		buf := hal.AllocDMABuffer(1024)
		for i := 0; i < 20; i++ {
			if err := h.hw.Write(DefaultBulkOut, []byte{byte(i)}, false); err != nil {
				return err
			}
			n, err := h.dev.BulkReceive(ctx, DefaultBulkOut, buf, buf.Len(), time.Second)
			if err != nil {
				return err
			}
			if n != 1 || buf.Bytes()[0] != byte(i) {
				return errors.New("receive out of order")
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Len(t, h.hw.Received(DefaultBulkIn), 20*1500)
}

func errOf(_ int, err error) error { return err }

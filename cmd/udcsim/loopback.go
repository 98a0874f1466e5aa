package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/class/loopback"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/pkg"
)

var (
	iterationsFlag = &cli.IntFlag{
		Name:  "iterations",
		Usage: "number of transfers to echo",
	}
	sizeFlag = &cli.IntFlag{
		Name:  "size",
		Usage: "bytes per transfer",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "per-transfer timeout (0 waits forever)",
	}
)

var loopbackCommand = &cli.Command{
	Name:   "loopback",
	Usage:  "enumerate a simulated device and echo bulk transfers through it",
	Flags:  []cli.Flag{speedFlag, burstFlag, iterationsFlag, sizeFlag, timeoutFlag},
	Action: runLoopback,
}

// loopbackResult is what the host side measured.
type loopbackResult struct {
	speed     device.Speed
	endpoints int
	transfers int
	bytes     int
	elapsed   time.Duration

	deviceTransfers uint64
	deviceBytes     uint64
}

func runLoopback(ctx *cli.Context) error {
	cfg, err := setup(ctx)
	if err != nil {
		return err
	}
	speed, err := parseSpeed(cfg.Device.Speed)
	if err != nil {
		return err
	}
	lc := cfg.Loopback
	if lc.Iterations <= 0 || lc.Size <= 0 {
		return fmt.Errorf("iterations and size must be positive: %w", pkg.ErrInvalidParameter)
	}

	hw := sim.New()
	lb := loopback.New(cfg.Device.identity(), loopback.Config{
		Burst: lc.Burst,
		// Room past the payload for the packet that terminates it.
		BufferSize: lc.Size + 1024,
		Timeout:    lc.Timeout.Duration,
	})
	reg := prometheus.NewRegistry()
	dev, err := device.New(hw, device.Config{Class: lb, Registerer: reg})
	if err != nil {
		return err
	}
	if err := dev.Initialize(ctx.Context); err != nil {
		return err
	}
	defer dev.Close()
	if err := dev.SetEnable(true); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentController, "simulated controller ready", "id", hw.ID(), "speed", speed.String())

	g, gctx := errgroup.WithContext(ctx.Context)
	serveCtx, stopServe := context.WithCancel(gctx)
	g.Go(func() error {
		if err := lb.Serve(serveCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var res loopbackResult
	g.Go(func() error {
		defer stopServe()
		var err error
		res, err = driveLoopback(gctx, hw, speed, lc)
		if err != nil {
			return err
		}
		report(ctx.App.Writer, res, dev.Endpoints())
		return nil
	})

	if addr := cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr, reg) })
	}
	return g.Wait()
}

// driveLoopback plays the host: it attaches, enumerates, selects the
// configuration and checks every echo.
func driveLoopback(ctx context.Context, hw *sim.Controller, speed device.Speed, lc LoopbackConfig) (loopbackResult, error) {
	res := loopbackResult{speed: speed}
	control := func(setup device.SetupPacket, data []byte) ([]byte, error) {
		cctx, cancel := withTimeout(ctx, lc.Timeout.Duration)
		defer cancel()
		return hw.Control(cctx, setup.Bytes(), data)
	}

	hw.Attach(speed)
	raw, err := control(device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize), nil)
	if err != nil {
		return res, fmt.Errorf("GET_DESCRIPTOR(device): %w", err)
	}
	var dd device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(raw, &dd); err != nil {
		return res, err
	}
	raw, err = control(device.GetDescriptorSetup(device.DescriptorTypeConfiguration, 0, 0xFFFF), nil)
	if err != nil {
		return res, fmt.Errorf("GET_DESCRIPTOR(configuration): %w", err)
	}
	eps, err := device.ParseEndpoints(raw)
	if err != nil {
		return res, err
	}
	res.endpoints = len(eps)
	if _, err := control(device.SetConfigurationSetup(1), nil); err != nil {
		return res, fmt.Errorf("SET_CONFIGURATION: %w", err)
	}
	pkg.LogInfo(pkg.ComponentController, "enumerated",
		"vendor", fmt.Sprintf("%04x", dd.VendorID),
		"product", fmt.Sprintf("%04x", dd.ProductID),
		"usb", fmt.Sprintf("%x.%02x", dd.USBVersion>>8, dd.USBVersion&0xFF),
		"endpoints", len(eps))

	payload := make([]byte, lc.Size)
	start := time.Now()
	for i := 0; i < lc.Iterations; i++ {
		for j := range payload {
			payload[j] = byte(i + j*7)
		}
		if err := hw.Write(loopback.BulkOut, payload, true); err != nil {
			return res, err
		}
		rctx, cancel := withTimeout(ctx, lc.Timeout.Duration)
		echo, err := hw.ReadTransfer(rctx, loopback.BulkIn)
		cancel()
		if err != nil {
			return res, fmt.Errorf("transfer %d: %w", i, err)
		}
		if !bytes.Equal(echo, payload) {
			return res, fmt.Errorf("transfer %d: echoed %d bytes that differ from the %d sent", i, len(echo), len(payload))
		}
		res.transfers++
		res.bytes += len(echo)
	}
	res.elapsed = time.Since(start)

	raw, err = control(device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeVendor | device.RequestRecipientDevice,
		Request:     loopback.RequestStats,
		Length:      16,
	}, nil)
	if err != nil {
		return res, fmt.Errorf("stats request: %w", err)
	}
	if len(raw) == 16 {
		res.deviceTransfers = binary.LittleEndian.Uint64(raw[0:])
		res.deviceBytes = binary.LittleEndian.Uint64(raw[8:])
	}
	return res, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func report(w io.Writer, res loopbackResult, eps []device.EndpointInfo) {
	rate := "-"
	if secs := res.elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf("%.1f MB/s", float64(res.bytes)/secs/1e6)
	}
	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Speed", "Transfers", "Bytes", "Elapsed", "Throughput", "Device transfers", "Device bytes"})
	summary.Append([]string{
		res.speed.String(),
		strconv.Itoa(res.transfers),
		strconv.Itoa(res.bytes),
		res.elapsed.Round(time.Microsecond).String(),
		rate,
		strconv.FormatUint(res.deviceTransfers, 10),
		strconv.FormatUint(res.deviceBytes, 10),
	})
	summary.Render()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Endpoint", "Type", "Max packet", "Burst", "Entries", "Offset", "Slot", "Status"})
	for _, ep := range eps {
		table.Append([]string{
			fmt.Sprintf("0x%02X", ep.Address),
			ep.Type.String(),
			strconv.Itoa(int(ep.MaxPacketSize)),
			strconv.Itoa(int(ep.MaxBurst)),
			fmt.Sprintf("%d-%d", ep.FirstEntry, ep.FirstEntry+ep.Entries-1),
			strconv.FormatUint(uint64(ep.Offset), 10),
			strconv.Itoa(ep.Slot),
			ep.Status.String(),
		})
	}
	table.Render()
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	pkg.LogInfo(pkg.ComponentController, "serving metrics", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

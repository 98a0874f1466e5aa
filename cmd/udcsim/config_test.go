package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udcsim.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[device]
vendor_id = 0x1209
product_id = 0x0004
product = "bench"
speed = "high"

[loopback]
iterations = 3
size = 1000
timeout = "250ms"

[log]
level = "warn"
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1209), cfg.Device.VendorID)
	assert.Equal(t, uint16(0x0004), cfg.Device.ProductID)
	assert.Equal(t, "bench", cfg.Device.Product)
	assert.Equal(t, "softudc", cfg.Device.Manufacturer, "unset keys keep their defaults")
	assert.Equal(t, 3, cfg.Loopback.Iterations)
	assert.Equal(t, 250*time.Millisecond, cfg.Loopback.Timeout.Duration)
	assert.Equal(t, uint8(3), cfg.Loopback.Burst)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"unknown key", "[device]\nbogus = 1\n", "device.bogus"},
		{"bad duration", "[loopback]\ntimeout = \"soon\"\n", "soon"},
		{"syntax", "[device\n", "udcsim.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.text))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	id := cfg.Device.identity()
	assert.Len(t, id.Serial, 16, "generated serial")
	assert.NotEqual(t, id.Serial, cfg.Device.identity().Serial)

	cfg.Device.Serial = "fixed"
	assert.Equal(t, "fixed", cfg.Device.identity().Serial)
}

func TestParseSpeed(t *testing.T) {
	for in, want := range map[string]device.Speed{
		"high": device.SpeedHigh, "HS": device.SpeedHigh,
		"super": device.SpeedSuper, "usb3": device.SpeedSuper,
	} {
		got, err := parseSpeed(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSpeed("full")
	assert.Error(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := app.RunContext(ctx, append([]string{"udcsim"}, args...))
	return out.String(), err
}

func TestLoopbackCommand(t *testing.T) {
	path := writeConfig(t, `
[device]
speed = "high"

[loopback]
iterations = 4
size = 2048
timeout = "2s"

[log]
level = "error"
`)
	out, err := run(t, "--config", path, "loopback", "--speed", "super", "--iterations", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "SuperSpeed", "flag overrides file")
	assert.Contains(t, out, "4096", "two transfers of 2048 bytes")
	assert.Contains(t, out, "0x81")

	_, err = run(t, "--log.level", "error", "loopback", "--size", "0")
	assert.Error(t, err)
}

func TestAllocCommand(t *testing.T) {
	out, err := run(t, "--log.level", "error", "alloc", "--class", "acm", "--speed", "high")
	require.NoError(t, err)
	for _, want := range []string{"0x83", "0x01", "0x81", "Interrupt", "Bulk", "6/12", "3/8"} {
		assert.Contains(t, out, want)
	}

	_, err = run(t, "--log.level", "error", "alloc", "--class", "msc")
	assert.ErrorContains(t, err, "unknown class")
}

func TestRenderPartialPlan(t *testing.T) {
	eps := []device.EndpointConfig{
		{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: 7},
		{Address: 0x01, Type: hal.TransferBulk, MaxPacketSize: 1024, MaxBurst: 7},
	}
	plan, err := device.Plan(device.SpeedSuper, eps)
	require.Error(t, err)
	require.Len(t, plan, 1)

	var out bytes.Buffer
	renderPlan(&out, eps, plan)
	assert.Contains(t, out.String(), "0-7")
	assert.Contains(t, out.String(), "8/12")
	assert.Contains(t, out.String(), "1/8")
}

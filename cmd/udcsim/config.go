package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softudc/device"
)

// Config is the udcsim configuration file.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Loopback LoopbackConfig `toml:"loopback"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// DeviceConfig is the identity and link the simulated device presents.
type DeviceConfig struct {
	VendorID     uint16 `toml:"vendor_id"`
	ProductID    uint16 `toml:"product_id"`
	Manufacturer string `toml:"manufacturer"`
	Product      string `toml:"product"`
	Serial       string `toml:"serial"` // empty generates one
	Speed        string `toml:"speed"`  // "high" or "super"
}

// LoopbackConfig drives the loopback command.
type LoopbackConfig struct {
	Iterations int      `toml:"iterations"`
	Size       int      `toml:"size"`
	Burst      uint8    `toml:"burst"`
	Timeout    Duration `toml:"timeout"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"` // forced on when stderr is not a terminal
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a string ("250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// defaultConfig mirrors device.DefaultDescriptors.
func defaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			VendorID:     device.DefaultVendorID,
			ProductID:    device.DefaultProductID,
			Manufacturer: "softudc",
			Product:      "udcsim loopback",
			Speed:        "super",
		},
		Loopback: LoopbackConfig{
			Iterations: 16,
			Size:       16 << 10,
			Burst:      3,
			Timeout:    Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// loadConfig reads path over the defaults. Keys the file sets that Config
// does not know are an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return cfg, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(ctx *cli.Context, cfg *Config) {
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logJSONFlag.Name) {
		cfg.Log.JSON = ctx.Bool(logJSONFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsAddrFlag.Name)
	}
	if ctx.IsSet(speedFlag.Name) {
		cfg.Device.Speed = ctx.String(speedFlag.Name)
	}
	if ctx.IsSet(burstFlag.Name) {
		cfg.Loopback.Burst = uint8(ctx.Uint(burstFlag.Name))
	}
	if ctx.IsSet(iterationsFlag.Name) {
		cfg.Loopback.Iterations = ctx.Int(iterationsFlag.Name)
	}
	if ctx.IsSet(sizeFlag.Name) {
		cfg.Loopback.Size = ctx.Int(sizeFlag.Name)
	}
	if ctx.IsSet(timeoutFlag.Name) {
		cfg.Loopback.Timeout.Duration = ctx.Duration(timeoutFlag.Name)
	}
}

// identity returns the descriptor identity, generating a serial number when
// none is configured.
func (c *DeviceConfig) identity() device.DescriptorIdentity {
	serial := c.Serial
	if serial == "" {
		serial = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
	}
	return device.DescriptorIdentity{
		VendorID:     c.VendorID,
		ProductID:    c.ProductID,
		Manufacturer: c.Manufacturer,
		Product:      c.Product,
		Serial:       serial,
	}
}

func parseSpeed(s string) (device.Speed, error) {
	switch strings.ToLower(s) {
	case "high", "hs", "usb2":
		return device.SpeedHigh, nil
	case "super", "ss", "usb3":
		return device.SpeedSuper, nil
	}
	return 0, fmt.Errorf("unknown speed %q (want high or super)", s)
}

// Command udcsim runs the softudc driver against the simulated dual-speed
// controller.
//
// Usage:
//
//	udcsim [global options] loopback [--speed super] [--iterations 16] [--size 16384]
//	udcsim [global options] alloc [--class acm] [--speed high]
//
// The loopback command attaches a simulated host, enumerates the device,
// selects its configuration and echoes bulk transfers through the vendor
// loopback class. The alloc command prints the FIFO and DMA programming a
// class's endpoints would receive, or the point at which the controller runs
// out.
//
// Settings come from a TOML file (--config); flags override the file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softudc/pkg"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
		EnvVars: []string{"UDCSIM_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "minimum log level (debug, info, warn, error)",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "log JSON even on a terminal",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "serve Prometheus metrics on this address until interrupted",
	}

	speedFlag = &cli.StringFlag{
		Name:  "speed",
		Usage: "link speed (high or super)",
	}
	burstFlag = &cli.UintFlag{
		Name:  "burst",
		Usage: "SuperSpeed bulk burst length",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "udcsim",
		Usage: "drive the softudc device controller driver on a simulated controller",
		Flags: []cli.Flag{configFlag, logLevelFlag, logJSONFlag, metricsAddrFlag},
		Commands: []*cli.Command{
			loopbackCommand,
			allocCommand,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration for a command and applies its logging
// settings.
func setup(ctx *cli.Context) (Config, error) {
	cfg, err := loadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return cfg, err
	}
	applyFlags(ctx, &cfg)
	if err := setupLogging(cfg.Log); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupLogging writes text to a terminal and JSON everywhere else.
func setupLogging(cfg LogConfig) error {
	level, err := pkg.ParseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	fd := os.Stderr.Fd()
	terminal := (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("TERM") != "dumb"

	output := io.Writer(os.Stderr)
	format := pkg.LogFormatJSON
	if terminal && !cfg.JSON {
		output = colorable.NewColorableStderr()
		format = pkg.LogFormatText
	}
	pkg.SetLogOutput(output, format)
	pkg.SetLogLevel(level)
	return nil
}

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/class/cdc"
	"github.com/ardnew/softudc/device/class/hid"
	"github.com/ardnew/softudc/device/class/loopback"
	"github.com/ardnew/softudc/device/hal"
)

var classFlag = &cli.StringFlag{
	Name:  "class",
	Value: "default",
	Usage: "descriptor set to plan: default, loopback, acm or hid",
}

var allocCommand = &cli.Command{
	Name:   "alloc",
	Usage:  "print the FIFO and DMA allocation a class's endpoints would receive",
	Flags:  []cli.Flag{speedFlag, burstFlag, classFlag},
	Action: runAlloc,
}

func runAlloc(ctx *cli.Context) error {
	cfg, err := setup(ctx)
	if err != nil {
		return err
	}
	speed, err := parseSpeed(cfg.Device.Speed)
	if err != nil {
		return err
	}
	eps, err := classEndpoints(ctx.String(classFlag.Name), cfg, speed)
	if err != nil {
		return err
	}
	plan, err := device.Plan(speed, eps)
	renderPlan(ctx.App.Writer, eps, plan)
	return err
}

// classEndpoints returns the endpoints the named class opens at speed.
func classEndpoints(name string, cfg Config, speed device.Speed) ([]device.EndpointConfig, error) {
	id := cfg.Device.identity()
	var config []byte
	switch name {
	case "default":
		return device.DefaultEndpoints(speed), nil
	case "loopback":
		config = loopback.New(id, loopback.Config{Burst: cfg.Loopback.Burst, BufferSize: 1}).ConfigDescriptor(speed)
	case "acm":
		config = cdc.NewACM(id).ConfigDescriptor(speed)
	case "hid":
		config = hid.New(id, hid.SubclassBoot, hid.ProtocolKeyboard, hid.KeyboardReportDescriptor).ConfigDescriptor(speed)
	default:
		return nil, fmt.Errorf("unknown class %q", name)
	}
	return device.ParseEndpoints(config)
}

// renderPlan writes one row per endpoint. From the first endpoint that did
// not fit onward, rows carry no allocation.
func renderPlan(w io.Writer, eps []device.EndpointConfig, plan []hal.FIFOConfig) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Endpoint", "Type", "Max packet", "Burst", "Entries", "Offset", "Slot"})
	var entries, slots int
	for i, ep := range eps {
		row := []string{
			fmt.Sprintf("0x%02X", ep.Address),
			ep.Type.String(),
			strconv.Itoa(int(ep.MaxPacketSize)),
			strconv.Itoa(int(ep.MaxBurst)),
			"-", "-", "-",
		}
		if i < len(plan) {
			p := plan[i]
			row[4] = fmt.Sprintf("%d-%d", p.FirstEntry, p.FirstEntry+p.Entries-1)
			row[5] = strconv.FormatUint(uint64(p.Offset), 10)
			row[6] = strconv.Itoa(p.Slot)
			entries += p.Entries
			slots++
		}
		table.Append(row)
	}
	table.SetFooter([]string{"", "", "", "",
		fmt.Sprintf("%d/%d", entries, device.FIFOEntries), "",
		fmt.Sprintf("%d/%d", slots, device.DMASlots)})
	table.Render()
}

package device

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softudc/pkg"
)

const metricsNamespace = "softudc"

// metrics is nil when no registerer is configured; every method is nil-safe.
type metrics struct {
	transfers   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	arms        *prometheus.CounterVec
	requests    *prometheus.CounterVec
	links       *prometheus.CounterVec
	fifoEntries prometheus.Gauge
	dmaSlots    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_total",
			Help:      "Bulk and interrupt transfers by endpoint and result.",
		}, []string{"endpoint", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved by endpoint.",
		}, []string{"endpoint"}),
		arms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dma_arms_total",
			Help:      "DMA descriptors handed to hardware by endpoint.",
		}, []string{"endpoint"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_requests_total",
			Help:      "SETUP packets decoded by request code and response.",
		}, []string{"request", "response"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "link_events_total",
			Help:      "Link status changes reported to the application.",
		}, []string{"status"}),
		fifoEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fifo_entries_allocated",
			Help:      "Shared FIFO entries owned by open endpoints.",
		}),
		dmaSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dma_slots_allocated",
			Help:      "DMA descriptor slots owned by open endpoints.",
		}),
	}
	m.transfers = register(reg, m.transfers)
	m.bytes = register(reg, m.bytes)
	m.arms = register(reg, m.arms)
	m.requests = register(reg, m.requests)
	m.links = register(reg, m.links)
	m.fifoEntries = register(reg, m.fifoEntries)
	m.dmaSlots = register(reg, m.dmaSlots)
	return m
}

// register adds c to reg, reusing an identical collector registered by an
// earlier controller.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		pkg.LogWarn(pkg.ComponentController, "metric registration failed", "error", err)
	}
	return c
}

func endpointLabel(addr uint8) string { return fmt.Sprintf("0x%02X", addr) }

func (m *metrics) transfer(addr uint8, n int, err error) {
	if m == nil {
		return
	}
	label := endpointLabel(addr)
	m.transfers.WithLabelValues(label, pkg.ResultOf(err).String()).Inc()
	if n > 0 {
		m.bytes.WithLabelValues(label).Add(float64(n))
	}
}

func (m *metrics) arm(addr uint8) {
	if m == nil {
		return
	}
	m.arms.WithLabelValues(endpointLabel(addr)).Inc()
}

func (m *metrics) request(setup *SetupPacket, resp Response) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(fmt.Sprintf("0x%02X", setup.Request), resp.String()).Inc()
}

func (m *metrics) link(status LinkStatus) {
	if m == nil {
		return
	}
	m.links.WithLabelValues(status.String()).Inc()
}

func (m *metrics) allocated(entries, slots int) {
	if m == nil {
		return
	}
	m.fifoEntries.Set(float64(entries))
	m.dmaSlots.Set(float64(slots))
}

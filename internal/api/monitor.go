package api

import (
	"log/slog"

	"saturn/internal/broker"
	"saturn/internal/dataflow"
	"saturn/internal/forecast"
	"saturn/internal/portfolio"
)

// EventSource exposes the trace of a running real-time loop.
type EventSource interface {
	RunID() string
	Events() dataflow.Events
}

// Sources are the live components the monitor reads. Any of them may be nil;
// the corresponding endpoints then report the component as unavailable.
type Sources struct {
	Runner       EventSource
	Broker       broker.Broker
	Portfolio    portfolio.Portfolio
	Restrictions *forecast.RestrictionStore
}

// Monitor renders the state of a running system for the HTTP and gRPC
// endpoints. Only restrictions can be modified through it.
type Monitor struct {
	src Sources
	log *slog.Logger
}

// NewMonitor creates a Monitor over src.
func NewMonitor(src Sources, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{src: src, log: log.With("component", "monitor")}
}

// Health reports liveness and which run is being served.
func (m *Monitor) Health() HealthJSON {
	h := HealthJSON{Status: "ok"}
	if m.src.Runner != nil {
		h.RunID = m.src.Runner.RunID()
	}
	if m.src.Broker != nil {
		h.Broker = m.src.Broker.Name()
	}
	return h
}

// Events returns the real-time loop trace, or false without a runner.
func (m *Monitor) Events() ([]EventJSON, bool) {
	if m.src.Runner == nil {
		return nil, false
	}
	events := m.src.Runner.Events()
	out := make([]EventJSON, len(events))
	for i, e := range events {
		out[i] = convertEvent(e)
	}
	return out, true
}

// PendingOrders returns orders submitted and not yet filled.
func (m *Monitor) PendingOrders() ([]OrderJSON, bool) {
	if m.src.Broker == nil {
		return nil, false
	}
	orders := m.src.Broker.PendingOrders()
	out := make([]OrderJSON, len(orders))
	for i, o := range orders {
		out[i] = convertOrder(o)
	}
	return out, true
}

// Fills returns every fill produced so far.
func (m *Monitor) Fills() ([]FillJSON, bool) {
	if m.src.Broker == nil {
		return nil, false
	}
	fills := m.src.Broker.Fills()
	out := make([]FillJSON, len(fills))
	for i, f := range fills {
		out[i] = convertFill(f)
	}
	return out, true
}

// Portfolio returns the latest snapshot, or false before the first mark.
func (m *Monitor) Portfolio() (PortfolioJSON, bool) {
	if m.src.Portfolio == nil {
		return PortfolioJSON{}, false
	}
	snap, stats, ok := m.src.Portfolio.Latest()
	if !ok {
		return PortfolioJSON{}, false
	}
	return convertPortfolio(snap, stats), true
}

// Statistics returns the statistics of every snapshot.
func (m *Monitor) Statistics() ([]StatisticsJSON, bool) {
	if m.src.Portfolio == nil {
		return nil, false
	}
	stats := m.src.Portfolio.Statistics()
	out := make([]StatisticsJSON, len(stats))
	for i, s := range stats {
		out[i] = convertStatistics(s)
	}
	return out, true
}

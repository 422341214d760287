// Package metrics exports lf engine counters to Prometheus.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llxisdsh/lf"
)

// FreelistSource is satisfied by every *lf.Freelist instantiation.
type FreelistSource interface {
	Stats() lf.FreelistStats
}

// TranSource is satisfied by *lf.TranSystem.
type TranSource interface {
	Stats() lf.TranStats
}

// Collector is a prometheus.Collector reading the point-in-time stats of
// one transaction system and any number of named freelists on every
// scrape.
type Collector struct {
	mu        sync.RWMutex
	ts        TranSource
	freelists map[string]FreelistSource

	slots      *prometheus.Desc
	clock      *prometheus.Desc
	watermark  *prometheus.Desc
	entries    *prometheus.Desc
	claims     *prometheus.Desc
	retires    *prometheus.Desc
	transports *prometheus.Desc
}

// NewCollector creates a collector for ts with metric names prefixed by
// namespace.
func NewCollector(namespace string, ts TranSource) *Collector {
	fqn := func(subsystem, name string) string {
		return prometheus.BuildFQName(namespace, subsystem, name)
	}
	return &Collector{
		ts:        ts,
		freelists: make(map[string]FreelistSource),
		slots: prometheus.NewDesc(fqn("tran", "slots"),
			"Transaction slots by state.", []string{"state"}, nil),
		clock: prometheus.NewDesc(fqn("tran", "clock"),
			"Current value of the logical clock.", nil, nil),
		watermark: prometheus.NewDesc(fqn("tran", "watermark"),
			"Cached reclamation watermark.", nil, nil),
		entries: prometheus.NewDesc(fqn("freelist", "entries"),
			"Freelist entries by state.", []string{"freelist", "state"}, nil),
		claims: prometheus.NewDesc(fqn("freelist", "claims_total"),
			"Entries handed out by Claim.", []string{"freelist"}, nil),
		retires: prometheus.NewDesc(fqn("freelist", "retires_total"),
			"Entries given back by Retire, Delete and Clear.", []string{"freelist"}, nil),
		transports: prometheus.NewDesc(fqn("freelist", "transports_total"),
			"Batches moved from retired lists to the available stack.", []string{"freelist"}, nil),
	}
}

// SetTranSystem switches the exported transaction system to ts.
func (c *Collector) SetTranSystem(ts TranSource) {
	c.mu.Lock()
	c.ts = ts
	c.mu.Unlock()
}

// AddFreelist registers fl under name, replacing any freelist with the
// same name.
func (c *Collector) AddFreelist(name string, fl FreelistSource) {
	c.mu.Lock()
	c.freelists[name] = fl
	c.mu.Unlock()
}

// RemoveFreelist stops exporting the freelist registered under name.
func (c *Collector) RemoveFreelist(name string) {
	c.mu.Lock()
	delete(c.freelists, name)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.slots
	ch <- c.clock
	ch <- c.watermark
	ch <- c.entries
	ch <- c.claims
	ch <- c.retires
	ch <- c.transports
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	ts := c.ts
	names := make([]string, 0, len(c.freelists))
	for name := range c.freelists {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]FreelistSource, len(names))
	for i, name := range names {
		sources[i] = c.freelists[name]
	}
	c.mu.RUnlock()

	if ts != nil {
		st := ts.Stats()
		gauge := prometheus.GaugeValue
		ch <- prometheus.MustNewConstMetric(c.slots, gauge, float64(st.MaxSlots), "max")
		ch <- prometheus.MustNewConstMetric(c.slots, gauge, float64(st.SlotsInUse), "in_use")
		ch <- prometheus.MustNewConstMetric(c.slots, gauge, float64(st.ActiveSlots), "active")
		ch <- prometheus.MustNewConstMetric(c.clock, gauge, float64(st.Clock))
		ch <- prometheus.MustNewConstMetric(c.watermark, gauge, float64(st.Watermark))
	}

	for i, name := range names {
		st := sources[i].Stats()
		for _, kv := range []struct {
			state string
			v     int64
		}{
			{"allocated", st.Allocated},
			{"available", st.Available},
			{"retired", st.Retired},
			{"in_flight", st.InFlight},
		} {
			ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(kv.v), name, kv.state)
		}
		ch <- prometheus.MustNewConstMetric(c.claims, prometheus.CounterValue, float64(st.Claims), name)
		ch <- prometheus.MustNewConstMetric(c.retires, prometheus.CounterValue, float64(st.Retires), name)
		ch <- prometheus.MustNewConstMetric(c.transports, prometheus.CounterValue, float64(st.Transports), name)
	}
}

package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/mpathd/pkg/types"
)

// Source exposes the device tree to the collector
type Source interface {
	Devices() []*types.Device
	Hosts() []*types.Host
	ConflictCount() int
}

// QueueSource reports the failover backlog
type QueueSource interface {
	QueueDepth() int
}

// Collector periodically turns registry state into gauges
type Collector struct {
	source   Source
	queue    QueueSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, queue QueueSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectHostMetrics()
	c.collectDeviceMetrics()
	ConfigConflicts.Set(float64(c.source.ConflictCount()))
	if c.queue != nil {
		FailoverQueueDepth.Set(float64(c.queue.QueueDepth()))
	}
}

func (c *Collector) collectHostMetrics() {
	counts := map[string]int{
		string(types.HostStateOnline): 0,
		string(types.HostStateDown):   0,
		"disabled":                    0,
	}

	HostCounters.Reset()
	for _, h := range c.source.Hosts() {
		state := string(h.State)
		if h.Flags.Has(types.HostDisabled) {
			state = "disabled"
		}
		counts[state]++

		host := strconv.Itoa(h.ID)
		s := h.Stats.Snapshot()
		HostCounters.WithLabelValues(host, "ios").Set(float64(s.IOs))
		HostCounters.WithLabelValues(host, "bytes").Set(float64(s.Bytes))
		HostCounters.WithLabelValues(host, "retries").Set(float64(s.Retries))
		HostCounters.WithLabelValues(host, "failovers").Set(float64(s.Failovers))
		HostCounters.WithLabelValues(host, "failbacks").Set(float64(s.Failbacks))
		HostCounters.WithLabelValues(host, "errors").Set(float64(s.Errors))
	}

	for state, n := range counts {
		HostsTotal.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) collectDeviceMetrics() {
	policies := map[types.CombinePolicy]int{
		types.PolicyStandard:           0,
		types.PolicyActiveStandbyArray: 0,
	}
	paths := map[string]int{"live": 0, "dead": 0}
	luns := 0

	for _, dev := range c.source.Devices() {
		policies[dev.Policy]++
		luns += len(dev.Luns)
		for _, p := range dev.Paths.Paths {
			if p.Dead() {
				paths["dead"]++
			} else {
				paths["live"]++
			}
		}
	}

	for policy, n := range policies {
		DevicesTotal.WithLabelValues(string(policy)).Set(float64(n))
	}
	for health, n := range paths {
		PathsTotal.WithLabelValues(health).Set(float64(n))
	}
	LunsTotal.Set(float64(luns))
}

package metrics

import (
	"sync"
	"time"
)

// StatsSource exposes the live subscriber counts sampled by the Collector
type StatsSource interface {
	ConnectionsByTransport() map[string]int
	GroupCount() int
}

// Collector periodically samples hub state into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	known map[string]struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		known:    make(map[string]struct{}),
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
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := c.source.ConnectionsByTransport()
	for transport, n := range counts {
		ConnectionsActive.WithLabelValues(transport).Set(float64(n))
		c.known[transport] = struct{}{}
	}
	// Transports that dropped to zero no longer appear in counts
	for transport := range c.known {
		if _, ok := counts[transport]; !ok {
			ConnectionsActive.WithLabelValues(transport).Set(0)
		}
	}

	GroupsActive.Set(float64(c.source.GroupCount()))
}

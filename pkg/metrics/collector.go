package metrics

import (
	"time"

	"github.com/cuemby/clusterforge/pkg/storage"
)

// Collector periodically samples the Store for the cluster/node population
// gauges, which the event-driven counters and histograms elsewhere in this
// package can't derive by themselves since they only observe transitions,
// not the standing count in any given status.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector sampling store every interval.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a background ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectClusterAndNodeMetrics()
}

func (c *Collector) collectClusterAndNodeMetrics() {
	clusters, err := c.store.ListClusters()
	if err != nil {
		return
	}

	clusterCounts := make(map[string]int)
	nodeCounts := make(map[string]int)

	for _, cluster := range clusters {
		clusterCounts[string(cluster.Status)]++

		nodes, err := c.store.GetAllByCluster(cluster.ID)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			nodeCounts[string(n.Status)]++
		}
	}

	for status, count := range clusterCounts {
		ClustersTotal.WithLabelValues(status).Set(float64(count))
	}
	for status, count := range nodeCounts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

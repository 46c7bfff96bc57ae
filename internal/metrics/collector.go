package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Snapshot contains campaign statistics for metrics
type Snapshot struct {
	CampaignsSending int64
	MessagesPending  int64
}

// SnapshotProvider provides campaign statistics for metrics
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// persistedCounters maps metric name to label key to value
type persistedCounters map[string]map[string]float64

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         SnapshotProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, stats SnapshotProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved persistedCounters
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		for name, series := range saved {
			vec, ok := c.metrics.counters[name]
			if !ok {
				continue
			}
			for key, v := range series {
				counter, err := vec.GetMetricWithLabelValues(splitLabelKey(key)...)
				if err != nil {
					continue
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// snapshotCounters reads the current value of every persisted counter
func (c *Collector) snapshotCounters() (persistedCounters, error) {
	families, err := c.metrics.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := persistedCounters{}
	for _, mf := range families {
		if _, ok := c.metrics.counters[mf.GetName()]; !ok {
			continue
		}
		series := make(map[string]float64)
		for _, metric := range mf.GetMetric() {
			values := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				values = append(values, lp.GetValue())
			}
			series[makeLabelKey(values...)] = metric.GetCounter().GetValue()
		}
		out[mf.GetName()] = series
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	snapshot, err := c.snapshotCounters()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats != nil {
		s, err := c.stats.Snapshot(ctx)
		if err == nil {
			c.metrics.CampaignsSending.Set(float64(s.CampaignsSending))
			c.metrics.MessagesPending.Set(float64(s.MessagesPending))
		}
	}
}

// Label values are joined with a separator that does not occur in label values we emit
func makeLabelKey(values ...string) string {
	return strings.Join(values, "|")
}

func splitLabelKey(key string) []string {
	return strings.Split(key, "|")
}

package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time snapshot of the connection pool.
type PoolStats struct {
	Total           int32
	Acquired        int32
	Idle            int32
	Max             int32
	AcquireCount    int64
	EmptyAcquires   int64
	CanceledAcquire int64
	AcquireWait     time.Duration
}

// StatsFromPool adapts a pgx pool to the collector.
func StatsFromPool(pool *pgxpool.Pool) func() PoolStats {
	return func() PoolStats {
		if pool == nil {
			return PoolStats{}
		}
		s := pool.Stat()
		return PoolStats{
			Total:           s.TotalConns(),
			Acquired:        s.AcquiredConns(),
			Idle:            s.IdleConns(),
			Max:             s.MaxConns(),
			AcquireCount:    s.AcquireCount(),
			EmptyAcquires:   s.EmptyAcquireCount(),
			CanceledAcquire: s.CanceledAcquireCount(),
			AcquireWait:     s.AcquireDuration(),
		}
	}
}

// PoolCollector reads pool statistics at scrape time.
type PoolCollector struct {
	stats func() PoolStats

	conns           *prometheus.Desc
	maxConns        *prometheus.Desc
	acquires        *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	canceledAcquire *prometheus.Desc
	acquireWait     *prometheus.Desc
}

func NewPoolCollector(stats func() PoolStats) *PoolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db", name), help, labels, nil)
	}
	return &PoolCollector{
		stats:           stats,
		conns:           desc("connections", "Database connections by state", "state"),
		maxConns:        desc("connections_max", "Maximum database connections allowed"),
		acquires:        desc("acquires_total", "Connections acquired from the pool"),
		emptyAcquires:   desc("empty_acquires_total", "Acquires that waited because the pool was empty"),
		canceledAcquire: desc("canceled_acquires_total", "Acquires canceled by their context"),
		acquireWait:     desc("acquire_wait_seconds_total", "Time spent waiting for a connection"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceledAcquire
	ch <- c.acquireWait
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Acquired), "in_use")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Total), "open")
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquire, prometheus.CounterValue, float64(s.CanceledAcquire))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}

// RegisterPool exposes pool statistics on Registry. The returned func
// unregisters them.
func RegisterPool(pool *pgxpool.Pool) (func(), error) {
	collector := NewPoolCollector(StatsFromPool(pool))
	if err := Registry.Register(collector); err != nil {
		return nil, err
	}
	return func() { Registry.Unregister(collector) }, nil
}

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DBPoolStatFunc returns database pool statistics without importing pgxpool.
type DBPoolStatFunc func() (total, idle, acquired int32)

// dbPoolCollector implements prometheus.Collector for DB pool stats.
type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
}

// NewDBPoolCollector creates a new collector that exposes DB pool gauges.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return &dbPoolCollector{
		statFunc: statFunc,
		totalDesc: prometheus.NewDesc(
			"enrolgate_db_pool_total_conns",
			"Total number of connections in the DB pool.",
			nil, nil,
		),
		idleDesc: prometheus.NewDesc(
			"enrolgate_db_pool_idle_conns",
			"Number of idle connections in the DB pool.",
			nil, nil,
		),
		acquiredDesc: prometheus.NewDesc(
			"enrolgate_db_pool_acquired_conns",
			"Number of acquired connections in the DB pool.",
			nil, nil,
		),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(acquired))
}

// SeatStatFunc reports the number of held seats and the configured cap
// (0 = unlimited).
type SeatStatFunc func(ctx context.Context) (active, cap int, err error)

// seatQueryTimeout bounds the count query run on every scrape.
const seatQueryTimeout = 5 * time.Second

type seatCollector struct {
	statFunc SeatStatFunc

	activeDesc *prometheus.Desc
	capDesc    *prometheus.Desc
}

// NewSeatCollector creates a collector that exposes seat pool gauges. Seats
// are counted at scrape time.
func NewSeatCollector(statFunc SeatStatFunc) prometheus.Collector {
	return &seatCollector{
		statFunc: statFunc,
		activeDesc: prometheus.NewDesc(
			"enrolgate_seats_active",
			"Number of students currently holding a seat.",
			nil, nil,
		),
		capDesc: prometheus.NewDesc(
			"enrolgate_seats_cap",
			"Configured seat cap, 0 when unlimited.",
			nil, nil,
		),
	}
}

func (c *seatCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.capDesc
}

func (c *seatCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), seatQueryTimeout)
	defer cancel()

	active, limit, err := c.statFunc(ctx)
	if err != nil {
		slog.Warn("counting seats for metrics", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(c.capDesc, prometheus.GaugeValue, float64(limit))
}

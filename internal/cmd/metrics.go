// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// counts is a snapshot of the work done by one or more table pipelines.
type counts struct {
	Items    int64
	Bytes    int64
	Capacity float64
}

func (c counts) add(o counts) counts {
	return counts{
		Items:    c.Items + o.Items,
		Bytes:    c.Bytes + o.Bytes,
		Capacity: c.Capacity + o.Capacity,
	}
}

// progress is a point in time view of a tracker.
type progress struct {
	counts
	TablesTotal  int
	TablesDone   int
	TablesFailed int
}

// tracker aggregates the stats of every table pipeline run by an action,
// including the ones still in progress.
type tracker struct {
	m       sync.Mutex
	total   int
	active  map[string]func() counts
	done    counts
	ndone   int
	nfailed int
}

func newTracker(total int) *tracker {
	return &tracker{total: total, active: make(map[string]func() counts)}
}

func (t *tracker) start(table string, stats func() counts) {
	t.m.Lock()
	t.active[table] = stats
	t.m.Unlock()
}

func (t *tracker) finish(table string, failed bool) {
	t.m.Lock()
	defer t.m.Unlock()
	if stats, ok := t.active[table]; ok {
		t.done = t.done.add(stats())
		delete(t.active, table)
	}
	t.ndone++
	if failed {
		t.nfailed++
	}
}

func (t *tracker) progress() progress {
	t.m.Lock()
	defer t.m.Unlock()
	c := t.done
	for _, stats := range t.active {
		c = c.add(stats())
	}
	return progress{
		counts:       c,
		TablesTotal:  t.total,
		TablesDone:   t.ndone,
		TablesFailed: t.nfailed,
	}
}

// progressCollector exports a tracker's progress as prometheus metrics.
type progressCollector struct {
	source func() progress

	items    *prometheus.Desc
	bytes    *prometheus.Desc
	capacity *prometheus.Desc
	tables   *prometheus.Desc
	failed   *prometheus.Desc
}

func newProgressCollector(command string, source func() progress) *progressCollector {
	labels := prometheus.Labels{"command": command}
	return &progressCollector{
		source:   source,
		items:    prometheus.NewDesc("dynbackup_items_total", "Records transferred.", nil, labels),
		bytes:    prometheus.NewDesc("dynbackup_bytes_total", "Bytes of record data transferred.", nil, labels),
		capacity: prometheus.NewDesc("dynbackup_capacity_units_total", "DynamoDB capacity units consumed.", nil, labels),
		tables:   prometheus.NewDesc("dynbackup_tables", "Tables by state.", []string{"state"}, labels),
		failed:   prometheus.NewDesc("dynbackup_tables_failed_total", "Tables whose pipeline failed.", nil, labels),
	}
}

func (c *progressCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.bytes
	ch <- c.capacity
	ch <- c.tables
	ch <- c.failed
}

func (c *progressCollector) Collect(ch chan<- prometheus.Metric) {
	p := c.source()
	ch <- prometheus.MustNewConstMetric(c.items, prometheus.CounterValue, float64(p.Items))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(p.Bytes))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.CounterValue, p.Capacity)
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(p.TablesDone), "done")
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(p.TablesTotal-p.TablesDone), "pending")
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(p.TablesFailed))
}

func newMetricsHandler(c prometheus.Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// startMetrics serves the collector on addr until the returned function is
// called.
func startMetrics(addr, path string, c prometheus.Collector, logger *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle(path, newMetricsHandler(c))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr), zap.String("path", path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}
}

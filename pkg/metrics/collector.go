// Package metrics exposes a Scheduler's dump_stats snapshot as Prometheus
// metrics, implementing the collector-on-demand pattern rather than
// updating counters from the hot path: every Collect call dumps fresh
// state directly from the scheduler(s) it was built with.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galpt/cake-sched/pkg/cake"
	"github.com/galpt/cake-sched/pkg/log"
)

// Named pairs one Scheduler with the instance label attached to its
// metrics, mirroring server.Instance.
type Named struct {
	Name      string
	Scheduler *cake.Scheduler
}

// SchedulerCollector implements prometheus.Collector over a fixed set of
// named Scheduler instances.
type SchedulerCollector struct {
	mu        sync.RWMutex
	instances []Named

	backlogBytes   *prometheus.Desc
	backlogPackets *prometheus.Desc
	drops          *prometheus.Desc
	overlimits     *prometheus.Desc
	memoryUsed     *prometheus.Desc
	memoryLimit    *prometheus.Desc

	tinPackets *prometheus.Desc
	tinBytes   *prometheus.Desc
	tinBacklog *prometheus.Desc
	tinDropped *prometheus.Desc
	tinECN     *prometheus.Desc
	tinRate    *prometheus.Desc
}

// NewSchedulerCollector builds a collector over instances. The set of
// instances is fixed at construction; callers needing a dynamic fleet
// should rebuild and re-register the collector.
func NewSchedulerCollector(instances []Named) *SchedulerCollector {
	return &SchedulerCollector{
		instances: instances,

		backlogBytes:   prometheus.NewDesc("cake_backlog_bytes", "Bytes currently queued across all tins.", []string{"instance"}, nil),
		backlogPackets: prometheus.NewDesc("cake_backlog_packets", "Packets currently queued across all tins.", []string{"instance"}, nil),
		drops:          prometheus.NewDesc("cake_drops_total", "Packets dropped since the scheduler was created (Reset does not clear it).", []string{"instance"}, nil),
		overlimits:     prometheus.NewDesc("cake_overlimits_total", "Dequeue attempts refused by the global shaper.", []string{"instance"}, nil),
		memoryUsed:     prometheus.NewDesc("cake_memory_used_bytes", "Memory currently charged against the buffer budget.", []string{"instance"}, nil),
		memoryLimit:    prometheus.NewDesc("cake_memory_limit_bytes", "Configured buffer budget.", []string{"instance"}, nil),

		tinPackets: prometheus.NewDesc("cake_tin_packets_total", "Packets enqueued into this tin.", []string{"instance", "tin"}, nil),
		tinBytes:   prometheus.NewDesc("cake_tin_bytes_total", "Bytes sent from this tin.", []string{"instance", "tin"}, nil),
		tinBacklog: prometheus.NewDesc("cake_tin_backlog_bytes", "Bytes currently queued in this tin.", []string{"instance", "tin"}, nil),
		tinDropped: prometheus.NewDesc("cake_tin_dropped_total", "Packets dropped from this tin.", []string{"instance", "tin"}, nil),
		tinECN:     prometheus.NewDesc("cake_tin_ecn_marked_total", "Packets ECN-marked instead of dropped in this tin.", []string{"instance", "tin"}, nil),
		tinRate:    prometheus.NewDesc("cake_tin_rate_bps", "Configured shaper rate for this tin.", []string{"instance", "tin"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.backlogBytes
	ch <- c.backlogPackets
	ch <- c.drops
	ch <- c.overlimits
	ch <- c.memoryUsed
	ch <- c.memoryLimit
	ch <- c.tinPackets
	ch <- c.tinBytes
	ch <- c.tinBacklog
	ch <- c.tinDropped
	ch <- c.tinECN
	ch <- c.tinRate
}

// Collect implements prometheus.Collector, dumping every instance fresh
// on each scrape rather than caching between scrapes.
func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	instances := c.instances
	c.mu.RUnlock()

	for _, inst := range instances {
		st := inst.Scheduler.DumpStats()

		ch <- prometheus.MustNewConstMetric(c.backlogBytes, prometheus.GaugeValue, float64(st.BacklogBytes), inst.Name)
		ch <- prometheus.MustNewConstMetric(c.backlogPackets, prometheus.GaugeValue, float64(st.BacklogPackets), inst.Name)
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(st.Drops), inst.Name)
		ch <- prometheus.MustNewConstMetric(c.overlimits, prometheus.CounterValue, float64(st.Overlimits), inst.Name)
		ch <- prometheus.MustNewConstMetric(c.memoryUsed, prometheus.GaugeValue, float64(st.MemoryUsed), inst.Name)
		ch <- prometheus.MustNewConstMetric(c.memoryLimit, prometheus.GaugeValue, float64(st.MemoryLimit), inst.Name)

		for i, tn := range st.Tins {
			tin := tinLabel(i)
			ch <- prometheus.MustNewConstMetric(c.tinPackets, prometheus.CounterValue, float64(tn.Packets), inst.Name, tin)
			ch <- prometheus.MustNewConstMetric(c.tinBytes, prometheus.CounterValue, float64(tn.Bytes), inst.Name, tin)
			ch <- prometheus.MustNewConstMetric(c.tinBacklog, prometheus.GaugeValue, float64(tn.Backlog), inst.Name, tin)
			ch <- prometheus.MustNewConstMetric(c.tinDropped, prometheus.CounterValue, float64(tn.Dropped), inst.Name, tin)
			ch <- prometheus.MustNewConstMetric(c.tinECN, prometheus.CounterValue, float64(tn.ECNMark), inst.Name, tin)
			ch <- prometheus.MustNewConstMetric(c.tinRate, prometheus.GaugeValue, float64(tn.RateBps), inst.Name, tin)
		}
	}
}

// Serve registers a fresh registry carrying collector and listens on addr
// with promhttp's handler until ctx is canceled, the same
// registry-per-process / plain net/http pattern the exporter examples use
// rather than wiring metrics into the fiber app's own router.
func Serve(ctx context.Context, addr string, collector *SchedulerCollector) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Logger.Info().Str("addr", addr).Msg("metrics listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func tinLabel(i int) string {
	names := [8]string{"0", "1", "2", "3", "4", "5", "6", "7"}
	if i < len(names) {
		return names[i]
	}
	return "n"
}

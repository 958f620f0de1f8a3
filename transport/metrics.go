package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	statsd "github.com/DataDog/datadog-go/v5/statsd"

	"github.com/relaybus/messaging"
)

// statsSource is the subset of *messaging.Engine the exporters need,
// kept as an interface so tests can supply a fake.
type statsSource interface {
	Stats() messaging.EngineStats
}

// PrometheusCollector implements prometheus.Collector over an Engine's
// delivery counters, grounded on modules/eventbus/metrics_exporters.go's
// PrometheusCollector (ConstMetrics generated on scrape, no hot-path
// instrumentation).
type PrometheusCollector struct {
	engine        statsSource
	sentDesc      *prometheus.Desc
	receivedDesc  *prometheus.Desc
	ackedDesc     *prometheus.Desc
	nackedDesc    *prometheus.Desc
}

// NewPrometheusCollector creates a collector for engine. namespace
// defaults to "relaybus_messaging" when empty.
func NewPrometheusCollector(engine statsSource, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "relaybus_messaging"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("%s_%s", namespace, name), help, nil, nil)
	}
	return &PrometheusCollector{
		engine:       engine,
		sentDesc:     desc("sent_total", "Total messages sent"),
		receivedDesc: desc("received_total", "Total messages received"),
		ackedDesc:    desc("acked_total", "Total messages acknowledged"),
		nackedDesc:   desc("nacked_total", "Total messages negatively acknowledged"),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sentDesc
	ch <- c.receivedDesc
	ch <- c.ackedDesc
	ch <- c.nackedDesc
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	ch <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.CounterValue, float64(s.Sent))
	ch <- prometheus.MustNewConstMetric(c.receivedDesc, prometheus.CounterValue, float64(s.Received))
	ch <- prometheus.MustNewConstMetric(c.ackedDesc, prometheus.CounterValue, float64(s.Acked))
	ch <- prometheus.MustNewConstMetric(c.nackedDesc, prometheus.CounterValue, float64(s.Nacked))
}

// DatadogStatsdExporter periodically flushes the engine's counters as
// gauges to DogStatsD, grounded on
// modules/eventbus/metrics_exporters.go's DatadogStatsdExporter.
type DatadogStatsdExporter struct {
	engine   statsSource
	client   *statsd.Client
	interval time.Duration
	baseTags []string
}

// NewDatadogStatsdExporter dials addr (e.g. "127.0.0.1:8125") and
// returns an exporter that ticks every interval.
func NewDatadogStatsdExporter(engine statsSource, prefix, addr string, interval time.Duration, baseTags []string) (*DatadogStatsdExporter, error) {
	if interval <= 0 {
		return nil, messaging.ErrArgument
	}
	if prefix == "" {
		prefix = "relaybus.messaging"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("transport: creating statsd client: %w", err)
	}
	return &DatadogStatsdExporter{engine: engine, client: client, interval: interval, baseTags: baseTags}, nil
}

// Run flushes counters every interval until ctx is canceled.
func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	s := e.engine.Stats()
	_ = e.client.Gauge("sent_total", float64(s.Sent), e.baseTags, 1)
	_ = e.client.Gauge("received_total", float64(s.Received), e.baseTags, 1)
	_ = e.client.Gauge("acked_total", float64(s.Acked), e.baseTags, 1)
	_ = e.client.Gauge("nacked_total", float64(s.Nacked), e.baseTags, 1)
}

// Close closes the underlying statsd client.
func (e *DatadogStatsdExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("transport: closing statsd client: %w", err)
	}
	return nil
}

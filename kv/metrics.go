package kv

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ohm"

// Metrics counts and times the commands sent through an instrumented client.
type Metrics struct {
	commands *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	batches  *prometheus.HistogramVec
}

// NewMetrics registers the kv collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "kv",
				Name:      "commands_total",
				Help:      "Total number of store commands by command name",
			},
			[]string{"cmd"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "kv",
				Name:      "errors_total",
				Help:      "Total number of failed store commands by command name",
			},
			[]string{"cmd"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "kv",
				Name:      "command_duration_seconds",
				Help:      "Latency of store commands",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"cmd"},
		),
		batches: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "kv",
				Name:      "batch_commands",
				Help:      "Number of commands per executed batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
			[]string{"outcome"},
		),
	}
}

// Instrument wraps client so every command is recorded on reg.
func Instrument(client Client, reg prometheus.Registerer) Client {
	return &instrumented{Client: client, m: NewMetrics(reg)}
}

type instrumented struct {
	Client
	m *Metrics
}

func (c *instrumented) Do(ctx context.Context, cmd Command) (any, error) {
	start := time.Now()
	reply, err := c.Client.Do(ctx, cmd)
	c.m.observe(cmd.Name, start, err)
	return reply, err
}

func (c *instrumented) Multi() Batch {
	return &instrumentedBatch{Batch: c.Client.Multi(), m: c.m}
}

func (c *instrumented) Publish(ctx context.Context, channel, message string) (int64, error) {
	start := time.Now()
	n, err := c.Client.Publish(ctx, channel, message)
	c.m.observe(CmdPublish, start, err)
	return n, err
}

type instrumentedBatch struct {
	Batch
	m *Metrics
}

func (b *instrumentedBatch) Exec(ctx context.Context) ([]any, error) {
	n := b.Batch.Len()
	start := time.Now()
	results, err := b.Batch.Exec(ctx)
	b.m.observe("exec", start, err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	b.m.batches.WithLabelValues(outcome).Observe(float64(n))
	return results, err
}

func (m *Metrics) observe(cmd string, start time.Time, err error) {
	m.commands.WithLabelValues(cmd).Inc()
	m.duration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrUnsupported) {
		m.errors.WithLabelValues(cmd).Inc()
	}
}

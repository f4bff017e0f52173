// Package telemetry forwards rows of named values to the time-series store.
// Writes are fire-and-forget: a failed write is logged, never returned.
package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"github.com/firestand/internal/config"
	"github.com/firestand/internal/metrics"
)

// Sink accepts timestamped rows.
type Sink interface {
	Write(table string, columns map[string]interface{}, at time.Time)
}

// Nop discards every row.
type Nop struct{}

func (Nop) Write(string, map[string]interface{}, time.Time) {}

// InfluxSink writes rows as line-protocol points. QuestDB accepts these on
// its InfluxDB v2 compatible HTTP write endpoint.
type InfluxSink struct {
	client  influxdb2.Client
	writer  api.WriteAPI
	log     zerolog.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewInflux connects lazily; nothing is sent until the first row.
func NewInflux(cfg config.TelemetryConfig, log zerolog.Logger, m *metrics.Metrics) *InfluxSink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(1).
			SetPrecision(time.Microsecond))

	s := &InfluxSink{
		client:  client,
		writer:  client.WriteAPI(cfg.Org, cfg.Bucket),
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
	go s.watchErrors()
	return s
}

func (s *InfluxSink) watchErrors() {
	defer close(s.done)
	for err := range s.writer.Errors() {
		s.metrics.Telemetry("error")
		s.log.Warn().Err(err).Msg("telemetry write failed")
	}
}

func (s *InfluxSink) Write(table string, columns map[string]interface{}, at time.Time) {
	if len(columns) == 0 {
		return
	}
	s.writer.WritePoint(influxdb2.NewPoint(table, nil, columns, at))
	s.metrics.Telemetry("queued")
}

// Close flushes pending rows and releases the client.
func (s *InfluxSink) Close() {
	s.writer.Flush()
	s.client.Close()

	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}

// Package monitor periodically inspects bus streams and consumer groups,
// logging backlog and exporting it as gauges.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/metrics"
)

type Monitor struct {
	bus      *bus.Bus
	metrics  *metrics.Metrics
	interval time.Duration
	log      zerolog.Logger
}

func New(b *bus.Bus, m *metrics.Metrics, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Monitor{
		bus:      b,
		metrics:  m,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.sample(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	streams := []string{bus.JobsStream, bus.ResultsStream, bus.AckStream, bus.DeadLetterStream}
	for _, stream := range streams {
		info, err := m.bus.Info(ctx, stream)
		if err != nil {
			m.log.Warn().Err(err).Str("stream", stream).Msg("stream inspection failed")
			continue
		}
		m.metrics.StreamLength.WithLabelValues(stream).Set(float64(info.Length))

		ev := m.log.Debug().Str("stream", stream).Int64("length", info.Length)
		for _, g := range info.Groups {
			m.metrics.GroupPending.WithLabelValues(stream, g.Name).Set(float64(g.Pending))
			ev = ev.Int64(g.Name+"_pending", g.Pending)
		}
		ev.Msg("stream status")
	}
}

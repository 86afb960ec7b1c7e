// Package worker implements the generic consume-process-publish-ack loop
// shared by all specialist worker classes. The class-specific inference is
// injected as a Processor; the runtime only owns distribution semantics.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/domain/vehicle"
	"sentinel-edge/internal/metrics"
)

// Processor runs one class's inference for one job. Implementations must
// return an error rather than panic; the runtime converts any error into a
// default-payload result and never retries.
type Processor interface {
	Process(ctx context.Context, framePath, platePath string) (string, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, framePath, platePath string) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, framePath, platePath string) (string, error) {
	return f(ctx, framePath, platePath)
}

// GroupFor maps a worker class to its consumer group on the job stream.
func GroupFor(class vehicle.Class) string {
	switch class {
	case vehicle.ClassOCR:
		return bus.OCRGroup
	case vehicle.ClassColor:
		return bus.ColorGroup
	case vehicle.ClassLogo:
		return bus.LogoGroup
	case vehicle.ClassViolation:
		return bus.ViolationGroup
	default:
		return ""
	}
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Runtime struct {
	class     vehicle.Class
	group     string
	consumer  string
	bus       *bus.Bus
	proc      Processor
	batchSize int64
	block     time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

type Options struct {
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

func NewRuntime(class vehicle.Class, b *bus.Bus, proc Processor, m *metrics.Metrics, log zerolog.Logger, opts Options) (*Runtime, error) {
	group := GroupFor(class)
	if group == "" {
		return nil, fmt.Errorf("unknown worker class %q", class)
	}
	if opts.Consumer == "" {
		opts.Consumer = fmt.Sprintf("%s_worker_1", class)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = bus.WorkerBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = bus.BlockTimeout
	}
	return &Runtime{
		class:     class,
		group:     group,
		consumer:  opts.Consumer,
		bus:       b,
		proc:      proc,
		batchSize: opts.BatchSize,
		block:     opts.Block,
		metrics:   m,
		log:       log.With().Str("component", "worker").Str("class", string(class)).Logger(),
	}, nil
}

// Run consumes jobs until ctx is cancelled. One message is fully handled
// (publish + ack) before the next read, so an in-flight job always finishes
// before shutdown takes effect.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.bus.EnsureGroup(ctx, bus.JobsStream, r.group); err != nil {
		return err
	}
	r.log.Info().Str("group", r.group).Str("consumer", r.consumer).Msg("worker started")

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			r.log.Info().Msg("worker shutting down")
			return ctx.Err()
		}

		msgs, err := r.bus.ReadGroup(ctx, bus.JobsStream, r.group, r.consumer, r.batchSize, r.block)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info().Msg("worker shutting down")
				return ctx.Err()
			}
			// Transport trouble is never fatal to the worker; back off
			// and keep trying.
			r.log.Error().Err(err).Dur("backoff", backoff).Msg("bus read failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		for _, msg := range msgs {
			r.handle(ctx, msg)
		}
	}
}

// handle processes one claimed job message end to end. The message is acked
// on every path, including processing failure: a per-job-per-worker failure
// is terminal and must never block the join.
func (r *Runtime) handle(ctx context.Context, msg bus.Message) {
	job, err := vehicle.JobFromFields(msg.Fields)
	if err != nil {
		r.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("dropping malformed job message")
		r.ack(ctx, msg.ID)
		return
	}

	r.metrics.JobsConsumed.WithLabelValues(string(r.class)).Inc()

	if !vehicle.ShouldProcess(r.class, job.VehicleType) {
		r.log.Debug().Str("job_id", job.JobID).Str("vehicle_type", string(job.VehicleType)).Msg("not relevant, skipping")
		r.metrics.JobsSkipped.WithLabelValues(string(r.class)).Inc()
		r.ack(ctx, msg.ID)
		return
	}

	r.log.Info().Str("job_id", job.JobID).Str("vehicle_type", string(job.VehicleType)).Msg("processing job")

	result := vehicle.Result{
		JobID:     job.JobID,
		VehicleID: job.VehicleID,
		Worker:    r.class,
		Status:    vehicle.StatusOK,
		FramePath: job.FramePath,
		PlatePath: job.PlatePath,
	}

	payload, err := r.proc.Process(ctx, job.FramePath, job.PlatePath)
	if err != nil {
		r.log.Error().Err(err).Str("job_id", job.JobID).Msg("processing failed, publishing default payload")
		r.metrics.ProcessingFailures.WithLabelValues(string(r.class)).Inc()
		result.Status = vehicle.StatusError
		result.Error = err.Error()
		result.Payload = vehicle.DefaultPayload(r.class)
	} else {
		result.Payload = payload
	}

	if _, err := r.bus.Append(ctx, bus.ResultsStream, result.Fields()); err != nil {
		// Leave the message unacked so the group redelivers after restart.
		r.log.Error().Err(err).Str("job_id", job.JobID).Msg("publish result failed, leaving job pending")
		return
	}
	r.metrics.ResultsPublished.WithLabelValues(string(r.class)).Inc()
	r.log.Info().Str("job_id", job.JobID).Str("result", result.Payload).Msg("completed job")

	r.ack(ctx, msg.ID)
}

func (r *Runtime) ack(ctx context.Context, id string) {
	if err := r.bus.Ack(ctx, bus.JobsStream, r.group, id); err != nil {
		r.log.Error().Err(err).Str("msg_id", id).Msg("ack failed")
	}
}

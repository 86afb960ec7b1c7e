// Package aggregator joins per-job partial results from all worker classes
// into completed vehicle records and forwards them to the central uploader.
// Correctness depends on exactly one consumer in the aggregator group: the
// pending table is single-writer and needs no locking.
package aggregator

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/domain/vehicle"
	"sentinel-edge/internal/metrics"
	"sentinel-edge/internal/upload"
)

// Journal persists completed records locally. Optional; a nil Journal
// disables the local history.
type Journal interface {
	SaveCompleted(ctx context.Context, rec vehicle.CompletedVehicleRecord, uploaded bool, rawResults map[string]string) error
}

// pending is the in-memory partial-join state for one job awaiting results.
type pending struct {
	results   map[vehicle.Class]string
	vehicleID string
	framePath string
	platePath string
	timestamp string
	msgIDs    []string
	firstSeen time.Time
	attempts  int
}

type Config struct {
	Consumer          string
	Location          string
	BatchSize         int64
	Block             time.Duration
	MaxUploadAttempts int
	MaxPendingAge     time.Duration
}

type Engine struct {
	bus      *bus.Bus
	uploader upload.Uploader
	journal  Journal
	metrics  *metrics.Metrics
	log      zerolog.Logger
	cfg      Config

	pending map[string]*pending
	// completed remembers recently finished job IDs so duplicate or late
	// results cannot emit a second record.
	completed map[string]time.Time
	// pendingCount mirrors len(pending) for readers outside the loop
	// goroutine; the map itself stays single-writer.
	pendingCount atomic.Int64

	now func() time.Time
}

func NewEngine(b *bus.Bus, up upload.Uploader, journal Journal, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Engine {
	if cfg.Consumer == "" {
		cfg.Consumer = "edge_agg_1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = bus.AggregatorBatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = bus.BlockTimeout
	}
	if cfg.MaxUploadAttempts <= 0 {
		cfg.MaxUploadAttempts = 5
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 10 * time.Minute
	}
	return &Engine{
		bus:       b,
		uploader:  up,
		journal:   journal,
		metrics:   m,
		log:       log.With().Str("component", "aggregator").Logger(),
		cfg:       cfg,
		pending:   make(map[string]*pending),
		completed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run consumes results until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bus.EnsureGroup(ctx, bus.ResultsStream, bus.AggregatorGroup); err != nil {
		return err
	}
	e.log.Info().Str("consumer", e.cfg.Consumer).Msg("aggregator started")

	for {
		if ctx.Err() != nil {
			e.log.Info().Msg("aggregator shutting down")
			return ctx.Err()
		}

		msgs, err := e.bus.ReadGroup(ctx, bus.ResultsStream, bus.AggregatorGroup, e.cfg.Consumer, e.cfg.BatchSize, e.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error().Err(err).Msg("bus read failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			e.ingest(ctx, msg)
		}
		e.expireStale(ctx)
	}
}

// ingest merges one result message into the pending table and, when the
// job's expected worker set is satisfied, attempts completion.
func (e *Engine) ingest(ctx context.Context, msg bus.Message) {
	res, err := vehicle.ResultFromFields(msg.Fields)
	if err != nil {
		e.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("dropping malformed result message")
		e.ack(ctx, msg.ID)
		return
	}

	if _, done := e.completed[res.JobID]; done {
		e.log.Debug().Str("job_id", res.JobID).Str("worker", string(res.Worker)).Msg("duplicate result for completed job")
		e.ack(ctx, msg.ID)
		return
	}

	p, ok := e.pending[res.JobID]
	if !ok {
		p = &pending{
			results:   make(map[vehicle.Class]string),
			vehicleID: res.VehicleID,
			timestamp: msg.Fields["timestamp"],
			firstSeen: e.now(),
		}
		if p.timestamp == "" {
			p.timestamp = e.now().Format(time.RFC3339)
		}
		e.pending[res.JobID] = p
		e.pendingCount.Store(int64(len(e.pending)))
		e.metrics.PendingAggregations.Set(float64(len(e.pending)))
	}

	// Later messages may carry paths an earlier one lacked.
	if res.FramePath != "" {
		p.framePath = res.FramePath
	}
	if res.PlatePath != "" {
		p.platePath = res.PlatePath
	}
	if p.vehicleID == "" {
		p.vehicleID = res.VehicleID
	}
	p.results[res.Worker] = res.Payload
	p.msgIDs = append(p.msgIDs, msg.ID)

	vtype := vehicle.VehicleTypeFromJobID(res.JobID)
	if !hasAll(p.results, vehicle.ExpectedWorkers(vtype)) {
		return
	}
	e.complete(ctx, res.JobID, vtype, p)
}

// complete builds the record and gates eviction on a successful upload. On
// failure the entry and its unacked messages are retained for another try;
// past the retry or age budget the job is dead-lettered instead.
func (e *Engine) complete(ctx context.Context, jobID string, vtype vehicle.VehicleType, p *pending) {
	if p.framePath == "" || p.framePath == vehicle.PlatePathNone || p.framePath == "None" {
		e.log.Warn().Str("job_id", jobID).Msg("no valid frame path yet, holding aggregation")
		return
	}

	rec := e.buildRecord(jobID, vtype, p)

	err := e.uploader.Upload(ctx, rec, p.framePath, p.platePath)
	if err != nil {
		p.attempts++
		e.metrics.UploadFailures.Inc()
		e.log.Error().Err(err).Str("job_id", jobID).Int("attempts", p.attempts).Msg("upload failed, retaining pending entry")
		if p.attempts >= e.cfg.MaxUploadAttempts {
			e.deadLetter(ctx, jobID, p, "max upload attempts exhausted")
		}
		return
	}

	if e.journal != nil {
		if jerr := e.journal.SaveCompleted(ctx, rec, true, rawResults(p)); jerr != nil {
			e.log.Error().Err(jerr).Str("job_id", jobID).Msg("journal write failed")
		}
	}

	for _, id := range p.msgIDs {
		e.ack(ctx, id)
	}
	e.evict(jobID)
	e.completed[jobID] = e.now()
	e.metrics.AggregationsCompleted.Inc()
	e.log.Info().
		Str("job_id", jobID).
		Str("vehicle_id", rec.VehicleID).
		Str("vehicle_number", rec.VehicleNumber).
		Int("violation_type", rec.ViolationType).
		Msg("completed vehicle record")
}

func (e *Engine) buildRecord(jobID string, vtype vehicle.VehicleType, p *pending) vehicle.CompletedVehicleRecord {
	colorName, colorHex := "unknown", "#000000"
	if raw, ok := p.results[vehicle.ClassColor]; ok {
		colorName, colorHex = vehicle.ParseColorPayload(raw)
		if colorHex == "" {
			colorHex = "#000000"
		}
	}

	number := "N/A"
	if v, ok := p.results[vehicle.ClassOCR]; ok && v != "" {
		number = v
	}
	model := "Unknown"
	if v, ok := p.results[vehicle.ClassLogo]; ok && v != "" {
		model = v
	}
	violation := 0
	if v, ok := p.results[vehicle.ClassViolation]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			violation = n
		}
	}

	return vehicle.CompletedVehicleRecord{
		VehicleID:     p.vehicleID,
		VehicleType:   vtype,
		VehicleNumber: number,
		ColorName:     colorName,
		ColorHex:      colorHex,
		Model:         model,
		ViolationType: violation,
		Location:      e.cfg.Location,
		Timestamp:     p.timestamp,
	}
}

// expireStale dead-letters entries that have waited past the age budget,
// whether or not an upload was ever attempted. Without this cap a central
// outage grows the pending table without bound.
func (e *Engine) expireStale(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.MaxPendingAge)
	for jobID, p := range e.pending {
		if p.firstSeen.Before(cutoff) {
			e.deadLetter(ctx, jobID, p, "pending entry exceeded max age")
		}
	}
	// The completed set only needs to outlive straggler results.
	for jobID, at := range e.completed {
		if at.Before(cutoff) {
			delete(e.completed, jobID)
		}
	}
}

func (e *Engine) deadLetter(ctx context.Context, jobID string, p *pending, reason string) {
	fields := map[string]any{
		"schema":     vehicle.SchemaVersion,
		"job_id":     jobID,
		"vehicle_id": p.vehicleID,
		"frame_path": p.framePath,
		"reason":     reason,
		"timestamp":  p.timestamp,
	}
	for class, payload := range p.results {
		fields["result_"+string(class)] = payload
	}
	if _, err := e.bus.Append(ctx, bus.DeadLetterStream, fields); err != nil {
		// Keep the entry; the next cycle tries again.
		e.log.Error().Err(err).Str("job_id", jobID).Msg("dead-letter publish failed")
		return
	}
	for _, id := range p.msgIDs {
		e.ack(ctx, id)
	}
	e.evict(jobID)
	e.metrics.DeadLettered.Inc()
	e.log.Warn().Str("job_id", jobID).Str("reason", reason).Msg("job dead-lettered")
}

func (e *Engine) evict(jobID string) {
	delete(e.pending, jobID)
	e.pendingCount.Store(int64(len(e.pending)))
	e.metrics.PendingAggregations.Set(float64(len(e.pending)))
}

func (e *Engine) ack(ctx context.Context, id string) {
	if err := e.bus.Ack(ctx, bus.ResultsStream, bus.AggregatorGroup, id); err != nil {
		e.log.Error().Err(err).Str("msg_id", id).Msg("ack failed")
	}
}

// PendingCount reports the size of the join table, for the status API.
func (e *Engine) PendingCount() int { return int(e.pendingCount.Load()) }

func hasAll(results map[vehicle.Class]string, expected []vehicle.Class) bool {
	for _, c := range expected {
		if _, ok := results[c]; !ok {
			return false
		}
	}
	return true
}

func rawResults(p *pending) map[string]string {
	out := make(map[string]string, len(p.results))
	for class, payload := range p.results {
		out[string(class)] = payload
	}
	return out
}

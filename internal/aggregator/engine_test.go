package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/domain/vehicle"
	"sentinel-edge/internal/metrics"
)

type fakeUploader struct {
	err     error
	records []vehicle.CompletedVehicleRecord
}

func (f *fakeUploader) Upload(ctx context.Context, rec vehicle.CompletedVehicleRecord, framePath, platePath string) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func newEngineUnderTest(t *testing.T, up *fakeUploader, cfg Config) (*Engine, *bus.Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := bus.New(rdb, zerolog.Nop())

	cfg.Location = "MG_ROAD"
	e := NewEngine(b, up, nil, metrics.New(), zerolog.Nop(), cfg)
	if err := b.EnsureGroup(context.Background(), bus.ResultsStream, bus.AggregatorGroup); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return e, b, rdb
}

// feedResult publishes one result, claims it through the aggregator group so
// the ack is observable, and runs it through ingest.
func feedResult(t *testing.T, e *Engine, b *bus.Bus, res vehicle.Result) {
	t.Helper()
	ctx := context.Background()
	if _, err := b.Append(ctx, bus.ResultsStream, res.Fields()); err != nil {
		t.Fatalf("publish result: %v", err)
	}
	msgs, err := b.ReadGroup(ctx, bus.ResultsStream, bus.AggregatorGroup, e.cfg.Consumer, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("claimed %d messages, want 1", len(msgs))
	}
	e.ingest(ctx, msgs[0])
}

func aggPending(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), bus.ResultsStream, bus.AggregatorGroup).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	return p.Count
}

func TestCarIncompleteUntilAllExpectedWorkers(t *testing.T) {
	up := &fakeUploader{}
	e, b, rdb := newEngineUnderTest(t, up, Config{})

	jobID := "car_3_ab12cd34"
	base := vehicle.Result{JobID: jobID, VehicleID: "veh_car", Status: vehicle.StatusOK, FramePath: "/frames/f.jpg"}

	ocr := base
	ocr.Worker, ocr.Payload = vehicle.ClassOCR, "KA01AB1234"
	feedResult(t, e, b, ocr)

	color := base
	color.Worker, color.Payload = vehicle.ClassColor, "Red|#FF0000"
	feedResult(t, e, b, color)

	if len(up.records) != 0 {
		t.Fatalf("uploaded with only {ocr,color}: %+v", up.records)
	}
	if e.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", e.PendingCount())
	}
	// Both contributing messages stay unacked until the join succeeds.
	if n := aggPending(t, rdb); n != 2 {
		t.Errorf("group pending = %d, want 2", n)
	}

	logo := base
	logo.Worker, logo.Payload = vehicle.ClassLogo, "Toyota"
	feedResult(t, e, b, logo)

	if len(up.records) != 1 {
		t.Fatalf("got %d uploads after logo arrived, want 1", len(up.records))
	}
	rec := up.records[0]
	if rec.VehicleNumber != "KA01AB1234" || rec.ColorName != "Red" || rec.ColorHex != "#FF0000" || rec.Model != "Toyota" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Location != "MG_ROAD" {
		t.Errorf("location = %q", rec.Location)
	}
	if e.PendingCount() != 0 {
		t.Errorf("pending count = %d after completion, want 0", e.PendingCount())
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d after completion, want 0", n)
	}
}

func TestMotorcycleCompletionAndDuplicateSuppression(t *testing.T) {
	up := &fakeUploader{}
	e, b, rdb := newEngineUnderTest(t, up, Config{})

	jobID := "motorcycle_7_ab12cd34"
	base := vehicle.Result{JobID: jobID, VehicleID: "veh_moto", Status: vehicle.StatusOK, FramePath: "/frames/m.jpg"}

	ocr := base
	ocr.Worker, ocr.Payload = vehicle.ClassOCR, "KA02CD5678"
	feedResult(t, e, b, ocr)

	viol := base
	viol.Worker, viol.Payload = vehicle.ClassViolation, "2"
	feedResult(t, e, b, viol)

	if len(up.records) != 1 {
		t.Fatalf("got %d uploads, want 1", len(up.records))
	}
	rec := up.records[0]
	if rec.VehicleType != vehicle.TypeMotorcycle || rec.VehicleNumber != "KA02CD5678" || rec.ViolationType != 2 {
		t.Errorf("record = %+v", rec)
	}
	// Missing color and logo fall back to defaults for a motorcycle.
	if rec.ColorName != "unknown" || rec.ColorHex != "#000000" || rec.Model != "Unknown" {
		t.Errorf("defaults not applied: %+v", rec)
	}

	// A late duplicate must not emit a second record and must be acked.
	dup := viol
	feedResult(t, e, b, dup)
	if len(up.records) != 1 {
		t.Fatalf("duplicate result produced a second record")
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d after duplicate, want 0", n)
	}
}

// A failed upload keeps the pending entry and its unacked messages so the
// next arriving result or retry can try again.
func TestUploadFailureRetainsPendingEntry(t *testing.T) {
	up := &fakeUploader{err: errors.New("central unreachable")}
	e, b, rdb := newEngineUnderTest(t, up, Config{MaxUploadAttempts: 5})

	jobID := "bus_9_ab12cd34"
	res := vehicle.Result{
		JobID: jobID, VehicleID: "veh_bus", Worker: vehicle.ClassOCR,
		Payload: "KA03EF9012", Status: vehicle.StatusOK, FramePath: "/frames/b.jpg",
	}
	feedResult(t, e, b, res)

	if len(up.records) != 0 {
		t.Fatalf("record uploaded despite failing uploader")
	}
	if e.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", e.PendingCount())
	}
	if n := aggPending(t, rdb); n != 1 {
		t.Errorf("group pending = %d, want 1", n)
	}

	// Once the collector recovers, a redelivered duplicate completes the job.
	up.err = nil
	feedResult(t, e, b, res)
	if len(up.records) != 1 {
		t.Fatalf("got %d uploads after recovery, want 1", len(up.records))
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d after recovery, want 0", n)
	}
}

func TestDeadLetterAfterMaxUploadAttempts(t *testing.T) {
	up := &fakeUploader{err: errors.New("central unreachable")}
	e, b, rdb := newEngineUnderTest(t, up, Config{MaxUploadAttempts: 2})

	jobID := "truck_4_ab12cd34"
	res := vehicle.Result{
		JobID: jobID, VehicleID: "veh_truck", Worker: vehicle.ClassOCR,
		Payload: "KA04GH3456", Status: vehicle.StatusOK, FramePath: "/frames/t.jpg",
	}
	feedResult(t, e, b, res)
	feedResult(t, e, b, res)

	if e.PendingCount() != 0 {
		t.Errorf("pending count = %d after dead-letter, want 0", e.PendingCount())
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d after dead-letter, want 0", n)
	}

	dl, err := rdb.XRange(context.Background(), bus.DeadLetterStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange dead letter: %v", err)
	}
	if len(dl) != 1 {
		t.Fatalf("dead letter stream has %d entries, want 1", len(dl))
	}
	v := dl[0].Values
	if v["job_id"] != jobID || v["result_ocr"] != "KA04GH3456" {
		t.Errorf("dead letter fields = %v", v)
	}
}

// A complete worker set without a usable frame path stays pending; the
// upload needs the keyframe file.
func TestCompletionHeldWithoutFramePath(t *testing.T) {
	up := &fakeUploader{}
	e, b, _ := newEngineUnderTest(t, up, Config{})

	res := vehicle.Result{
		JobID: "auto_5_ab12cd34", VehicleID: "veh_auto", Worker: vehicle.ClassOCR,
		Payload: "KA05IJ7890", Status: vehicle.StatusOK, FramePath: "N/A",
	}
	feedResult(t, e, b, res)

	if len(up.records) != 0 {
		t.Fatalf("uploaded without a frame path")
	}
	if e.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", e.PendingCount())
	}
}

func TestExpireStaleDeadLettersOldEntries(t *testing.T) {
	up := &fakeUploader{}
	e, b, rdb := newEngineUnderTest(t, up, Config{MaxPendingAge: time.Minute})

	res := vehicle.Result{
		JobID: "car_8_ab12cd34", VehicleID: "veh_old", Worker: vehicle.ClassOCR,
		Payload: "KA06KL1234", Status: vehicle.StatusOK, FramePath: "/frames/o.jpg",
	}
	feedResult(t, e, b, res)

	// Advance the clock past the age budget.
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	e.expireStale(context.Background())

	if e.PendingCount() != 0 {
		t.Errorf("pending count = %d after expiry, want 0", e.PendingCount())
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d after expiry, want 0", n)
	}
	dl, err := rdb.XRange(context.Background(), bus.DeadLetterStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange dead letter: %v", err)
	}
	if len(dl) != 1 {
		t.Fatalf("dead letter stream has %d entries, want 1", len(dl))
	}
}

func TestMalformedResultAckedAndDropped(t *testing.T) {
	up := &fakeUploader{}
	e, b, rdb := newEngineUnderTest(t, up, Config{})

	ctx := context.Background()
	if _, err := b.Append(ctx, bus.ResultsStream, map[string]any{"noise": "1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	msgs, err := b.ReadGroup(ctx, bus.ResultsStream, bus.AggregatorGroup, e.cfg.Consumer, 10, 10*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadGroup: %v (%d msgs)", err, len(msgs))
	}
	e.ingest(ctx, msgs[0])

	if e.PendingCount() != 0 {
		t.Errorf("malformed message created a pending entry")
	}
	if n := aggPending(t, rdb); n != 0 {
		t.Errorf("group pending = %d, want 0", n)
	}
}

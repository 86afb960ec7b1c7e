// Package bus wraps Redis Streams as the job/result distribution substrate.
// Each stream is an ordered append-only log; consumer groups give every
// worker class an independent cursor over the same stream, which is the
// fan-out mechanism: one job is read once per group without duplicating
// storage.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream names.
const (
	JobsStream       = "vehicle_jobs"
	ResultsStream    = "vehicle_results"
	AckStream        = "vehicle_ack"
	DeadLetterStream = "vehicle_dead_letter"
)

// Consumer groups.
const (
	OCRGroup        = "ocr_workers"
	ColorGroup      = "color_workers"
	LogoGroup       = "logo_workers"
	ViolationGroup  = "violation_workers"
	AggregatorGroup = "aggregator"
	IngestGroup     = "ingest"
)

// Processing defaults, shared by every consumer.
const (
	WorkerBatchSize     = 1
	AggregatorBatchSize = 10
	BlockTimeout        = time.Second
)

// Topology is the full {stream -> groups} map the node runs with. Reset
// recreates exactly these before any consumer starts.
func Topology() map[string][]string {
	return map[string][]string{
		JobsStream:    {OCRGroup, ColorGroup, LogoGroup, ViolationGroup},
		ResultsStream: {AggregatorGroup},
		AckStream:     {IngestGroup},
	}
}

// Message is one claimed stream entry.
type Message struct {
	ID     string
	Fields map[string]string
}

// Bus is a thin client over Redis Streams. All methods are safe for
// concurrent use; go-redis pools connections internally.
type Bus struct {
	rdb *redis.Client
	log zerolog.Logger
}

func New(rdb *redis.Client, log zerolog.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.With().Str("component", "bus").Logger()}
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr string, db int, log zerolog.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}
	return New(rdb, log), nil
}

func (b *Bus) Close() error { return b.rdb.Close() }

// Append publishes one message and returns its stream ID. It never blocks
// on readers.
func (b *Bus) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group at the stream's start, creating the
// stream if needed. Idempotent: an already-existing group is not an error.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup claims up to count unseen entries for the consumer, blocking up
// to block. A timeout with no entries returns an empty slice, not an error.
func (b *Bus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s as %s/%s: %w", stream, group, consumer, err)
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			msgs = append(msgs, Message{ID: m.ID, Fields: fields})
		}
	}
	return msgs, nil
}

// Ack removes an entry from the group's pending list. Acking an already
// acked or unknown ID is a no-op.
func (b *Bus) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s/%s: %w", id, stream, group, err)
	}
	return nil
}

// Reset deletes every stream and recreates the full group topology at the
// log's start. No job state survives a node restart.
func (b *Bus) Reset(ctx context.Context) error {
	streams := []string{JobsStream, ResultsStream, AckStream, DeadLetterStream}
	if err := b.rdb.Del(ctx, streams...).Err(); err != nil {
		return fmt.Errorf("delete streams: %w", err)
	}
	for stream, groups := range Topology() {
		for _, group := range groups {
			if err := b.EnsureGroup(ctx, stream, group); err != nil {
				return err
			}
		}
		b.log.Debug().Str("stream", stream).Strs("groups", groups).Msg("recreated consumer groups")
	}
	return nil
}

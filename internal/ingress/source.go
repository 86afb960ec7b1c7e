package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// RunSource streams JSON-lines detection events from r and publishes each
// one. Invalid and duplicate events are logged and skipped; the source
// itself failing (a broken pipe from the detector) ends the run with an
// error, which the supervisor treats as ingress death.
func RunSource(ctx context.Context, r io.Reader, pub *Publisher, log zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev DetectionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Msg("skipping unparseable detection event")
			continue
		}
		if _, err := pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Int("track_id", ev.TrackID).Msg("detection event rejected")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("detection source: %w", err)
	}
	return nil
}

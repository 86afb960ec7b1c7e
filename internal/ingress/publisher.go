// Package ingress publishes one Job per detected vehicle. Detection itself
// (video capture, object tracking, plate cropping) is an external
// collaborator; this package owns only validation, identity, and the wire.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/domain/vehicle"
)

var (
	ErrInvalidEvent = errors.New("invalid detection event")
	ErrDuplicate    = errors.New("duplicate track")
)

// DetectionEvent is what the detector hands over for one tracked vehicle
// entering the trigger zone.
type DetectionEvent struct {
	VehicleType string `json:"vehicle_type"`
	TrackID     int    `json:"track_id"`
	FramePath   string `json:"frame_path"`
	PlatePath   string `json:"plate_path,omitempty"`
	FrameURL    string `json:"frame_url,omitempty"`
	PlateURL    string `json:"plate_url,omitempty"`
}

type Publisher struct {
	bus      *bus.Bus
	location string
	log      zerolog.Logger

	// seen suppresses re-publishing when the tracker reports the same
	// track twice within one run.
	seen map[int]struct{}

	now func() time.Time
}

func NewPublisher(b *bus.Bus, location string, log zerolog.Logger) *Publisher {
	return &Publisher{
		bus:      b,
		location: location,
		log:      log.With().Str("component", "ingress").Logger(),
		seen:     make(map[int]struct{}),
		now:      time.Now,
	}
}

// Publish validates one detection event and appends the resulting Job to
// the job stream. Returns the job ID.
func (p *Publisher) Publish(ctx context.Context, ev DetectionEvent) (string, error) {
	if ev.FramePath == "" {
		return "", fmt.Errorf("%w: frame_path is required", ErrInvalidEvent)
	}
	vtype := vehicle.VehicleType(ev.VehicleType)
	if !knownType(vtype) {
		return "", fmt.Errorf("%w: unknown vehicle_type %q", ErrInvalidEvent, ev.VehicleType)
	}
	if _, dup := p.seen[ev.TrackID]; dup {
		return "", fmt.Errorf("%w: track %d already published", ErrDuplicate, ev.TrackID)
	}

	at := p.now()
	job := vehicle.Job{
		JobID:       vehicle.NewJobID(vtype, ev.TrackID),
		VehicleID:   vehicle.NewVehicleID(vtype, p.location, at),
		VehicleType: vtype,
		FramePath:   ev.FramePath,
		PlatePath:   ev.PlatePath,
		FrameURL:    ev.FrameURL,
		PlateURL:    ev.PlateURL,
		Timestamp:   at.Format(time.RFC3339),
		Location:    p.location,
	}

	if _, err := p.bus.Append(ctx, bus.JobsStream, job.Fields()); err != nil {
		return "", err
	}
	p.seen[ev.TrackID] = struct{}{}
	p.log.Info().
		Str("job_id", job.JobID).
		Str("vehicle_id", job.VehicleID).
		Str("location", p.location).
		Msg("published job")
	return job.JobID, nil
}

func knownType(vt vehicle.VehicleType) bool {
	for _, t := range vehicle.KnownVehicleTypes {
		if t == vt {
			return true
		}
	}
	return false
}

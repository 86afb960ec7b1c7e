package vehicle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped into every bus message so consumers can reject
// payloads written by an incompatible producer.
const SchemaVersion = "1"

// PlatePathNone is the wire sentinel for "no plate crop was saved".
const PlatePathNone = "N/A"

type VehicleType string

const (
	TypeCar        VehicleType = "car"
	TypeMotorcycle VehicleType = "motorcycle"
	TypeBus        VehicleType = "bus"
	TypeTruck      VehicleType = "truck"
	TypeAuto       VehicleType = "auto"
)

var KnownVehicleTypes = []VehicleType{TypeCar, TypeMotorcycle, TypeBus, TypeTruck, TypeAuto}

// Job is the unit of work published by ingress for one detected vehicle.
// It is immutable once published.
type Job struct {
	Schema      string
	JobID       string
	VehicleID   string
	VehicleType VehicleType
	FramePath   string
	PlatePath   string
	FrameURL    string
	PlateURL    string
	Timestamp   string
	Location    string
}

type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// Result is one worker class's output for one Job.
type Result struct {
	Schema    string
	JobID     string
	VehicleID string
	Worker    Class
	Payload   string
	Status    ResultStatus
	Error     string
	FramePath string
	PlatePath string
}

// CompletedVehicleRecord is the joined output for one vehicle, ready for
// upload to the central collector.
type CompletedVehicleRecord struct {
	VehicleID     string
	VehicleType   VehicleType
	VehicleNumber string
	ColorName     string
	ColorHex      string
	Model         string
	ViolationType int
	Location      string
	Timestamp     string
}

// NewJobID builds "{vehicle_type}_{track_id}_{uuid8}".
func NewJobID(vtype VehicleType, trackID int) string {
	return fmt.Sprintf("%s_%d_%s", vtype, trackID, uuid.New().String()[:8])
}

// NewVehicleID builds "{uuid8}_{timestamp}_{vehicle_type}_{location}".
func NewVehicleID(vtype VehicleType, location string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", uuid.New().String()[:8], at.Format("20060102_150405"), vtype, location)
}

// VehicleTypeFromJobID derives the vehicle type from the job ID's leading
// segment. Unknown or malformed IDs yield an empty type.
func VehicleTypeFromJobID(jobID string) VehicleType {
	head, _, ok := strings.Cut(jobID, "_")
	if !ok {
		return ""
	}
	return VehicleType(head)
}

// ParseColorPayload splits a "name|hex" color payload. A payload without a
// separator is taken as the name alone; the hex falls back to #000000.
func ParseColorPayload(payload string) (name, hex string) {
	name, hex, ok := strings.Cut(payload, "|")
	if !ok {
		return strings.TrimSpace(payload), "#000000"
	}
	return strings.TrimSpace(name), strings.TrimSpace(hex)
}

// Fields flattens a Job to the string-keyed map the bus carries.
func (j Job) Fields() map[string]any {
	plate := j.PlatePath
	if plate == "" {
		plate = PlatePathNone
	}
	plateURL := j.PlateURL
	if plateURL == "" {
		plateURL = PlatePathNone
	}
	return map[string]any{
		"schema":       SchemaVersion,
		"job_id":       j.JobID,
		"vehicle_id":   j.VehicleID,
		"vehicle_type": string(j.VehicleType),
		"frame_path":   j.FramePath,
		"plate_path":   plate,
		"frame_url":    j.FrameURL,
		"plate_url":    plateURL,
		"timestamp":    j.Timestamp,
		"location":     j.Location,
	}
}

// JobFromFields rebuilds a Job from bus fields.
func JobFromFields(fields map[string]string) (Job, error) {
	j := Job{
		Schema:      fields["schema"],
		JobID:       fields["job_id"],
		VehicleID:   fields["vehicle_id"],
		VehicleType: VehicleType(fields["vehicle_type"]),
		FramePath:   fields["frame_path"],
		PlatePath:   fields["plate_path"],
		FrameURL:    fields["frame_url"],
		PlateURL:    fields["plate_url"],
		Timestamp:   fields["timestamp"],
		Location:    fields["location"],
	}
	if j.JobID == "" {
		return Job{}, fmt.Errorf("job message missing job_id")
	}
	return j, nil
}

// Fields flattens a Result to the string-keyed map the bus carries.
func (r Result) Fields() map[string]any {
	m := map[string]any{
		"schema":     SchemaVersion,
		"job_id":     r.JobID,
		"vehicle_id": r.VehicleID,
		"worker":     string(r.Worker),
		"result":     r.Payload,
		"status":     string(r.Status),
		"frame_path": r.FramePath,
		"plate_path": r.PlatePath,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// ResultFromFields rebuilds a Result from bus fields.
func ResultFromFields(fields map[string]string) (Result, error) {
	r := Result{
		Schema:    fields["schema"],
		JobID:     fields["job_id"],
		VehicleID: fields["vehicle_id"],
		Worker:    Class(fields["worker"]),
		Payload:   fields["result"],
		Status:    ResultStatus(fields["status"]),
		Error:     fields["error"],
		FramePath: fields["frame_path"],
		PlatePath: fields["plate_path"],
	}
	if r.JobID == "" {
		return Result{}, fmt.Errorf("result message missing job_id")
	}
	if r.Worker == "" {
		return Result{}, fmt.Errorf("result message missing worker")
	}
	return r, nil
}

package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sentinel-edge/internal/domain/vehicle"
)

// RecordRepository is the node-local journal of completed vehicle records.
// The central collector is the system of record; this table exists so an
// operator can answer "what did this node see" without a round trip.
type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

type VehicleRecord struct {
	ID            int64             `gorm:"primaryKey"`
	VehicleID     string            `gorm:"not null"`
	VehicleType   string            `gorm:"not null"`
	VehicleNumber string            `gorm:"not null"`
	ColorName     *string
	ColorHex      *string
	Model         *string
	ViolationType int               `gorm:"not null;default:0"`
	Location      *string
	EventTime     *string
	Uploaded      bool              `gorm:"not null;default:false"`
	RawResults    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time
}

func (VehicleRecord) TableName() string { return "vehicle_records" }

func (r *RecordRepository) SaveCompleted(ctx context.Context, rec vehicle.CompletedVehicleRecord, uploaded bool, rawResults map[string]string) error {
	row := VehicleRecord{
		VehicleID:     rec.VehicleID,
		VehicleType:   string(rec.VehicleType),
		VehicleNumber: rec.VehicleNumber,
		ViolationType: rec.ViolationType,
		Uploaded:      uploaded,
		CreatedAt:     time.Now(),
	}
	if rec.ColorName != "" {
		row.ColorName = &rec.ColorName
	}
	if rec.ColorHex != "" {
		row.ColorHex = &rec.ColorHex
	}
	if rec.Model != "" {
		row.Model = &rec.Model
	}
	if rec.Location != "" {
		row.Location = &rec.Location
	}
	if rec.Timestamp != "" {
		row.EventTime = &rec.Timestamp
	}
	if len(rawResults) > 0 {
		row.RawResults = make(datatypes.JSONMap, len(rawResults))
		for k, v := range rawResults {
			row.RawResults[k] = v
		}
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// FindRecords lists journal entries, newest first. A zero violationsOnly
// filter returns everything.
func (r *RecordRepository) FindRecords(ctx context.Context, vehicleNumber string, violationsOnly bool, limit, offset int) ([]VehicleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Model(&VehicleRecord{})
	if vehicleNumber != "" {
		query = query.Where("vehicle_number = ?", vehicleNumber)
	}
	if violationsOnly {
		query = query.Where("violation_type > 0")
	}

	var records []VehicleRecord
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

// DeleteOldRecords trims journal entries older than the given number of days.
func (r *RecordRepository) DeleteOldRecords(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&VehicleRecord{})
	return res.RowsAffected, res.Error
}

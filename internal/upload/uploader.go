// Package upload talks to the central collector: completed-record uploads
// with their image attachments, and the node liveness heartbeat.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sentinel-edge/internal/domain/vehicle"
)

// Uploader submits one completed record plus its keyframe (mandatory) and
// plate crop (optional). A nil error means the collector accepted it.
type Uploader interface {
	Upload(ctx context.Context, rec vehicle.CompletedVehicleRecord, framePath, platePath string) error
}

// CentralUploader posts multipart form data to the central ingest endpoint.
type CentralUploader struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewCentralUploader(baseURL string, timeout time.Duration, log zerolog.Logger) *CentralUploader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CentralUploader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "uploader").Logger(),
	}
}

func (u *CentralUploader) Upload(ctx context.Context, rec vehicle.CompletedVehicleRecord, framePath, platePath string) error {
	if u.baseURL == "" {
		return fmt.Errorf("central URL not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"vehicle_id":     rec.VehicleID,
		"vehicle_type":   string(rec.VehicleType),
		"vehicle_number": rec.VehicleNumber,
		"color":          rec.ColorName + "|" + rec.ColorHex,
		"model":          rec.Model,
		"violation_type": strconv.Itoa(rec.ViolationType),
		"location":       rec.Location,
		"timestamp":      rec.Timestamp,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if err := attachFile(w, "keyframe_file", framePath); err != nil {
		return err
	}
	// The plate crop is best-effort; a vanished file is not a reason to
	// hold the upload back.
	if platePath != "" && platePath != vehicle.PlatePathNone {
		if _, err := os.Stat(platePath); err == nil {
			if err := attachFile(w, "plate_file", platePath); err != nil {
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	url := u.baseURL + "/api/ingest/vehicle-complete"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", rec.VehicleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("central rejected %s: %d %s", rec.VehicleID, resp.StatusCode, b)
	}
	u.log.Info().Str("vehicle_id", rec.VehicleID).Msg("uploaded completed record")
	return nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

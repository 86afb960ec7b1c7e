// Package processors provides the built-in Processor implementations. Real
// inference lives in external sidecar services; the HTTP processor is the
// bridge to them.
package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sentinel-edge/internal/domain/vehicle"
)

// HTTPProcessor submits frame and plate paths to an inference sidecar and
// returns the payload the sidecar answers with.
type HTTPProcessor struct {
	class   vehicle.Class
	baseURL string
	client  *http.Client
}

func NewHTTPProcessor(class vehicle.Class, baseURL string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProcessor{
		class:   class,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type inferRequest struct {
	FramePath string `json:"frame_path"`
	PlatePath string `json:"plate_path,omitempty"`
}

type inferResponse struct {
	Payload string `json:"payload"`
	Error   string `json:"error,omitempty"`
}

func (p *HTTPProcessor) Process(ctx context.Context, framePath, platePath string) (string, error) {
	if platePath == vehicle.PlatePathNone {
		platePath = ""
	}
	body, err := json.Marshal(inferRequest{FramePath: framePath, PlatePath: platePath})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/infer/%s", p.baseURL, p.class)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("inference returned %d: %s", resp.StatusCode, b)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("inference failed: %s", out.Error)
	}
	return out.Payload, nil
}

// Static always answers with the class default payload. Useful for bench
// runs and wiring checks where no inference sidecar is available.
type Static struct {
	Class vehicle.Class
}

func (s Static) Process(_ context.Context, _, _ string) (string, error) {
	return vehicle.DefaultPayload(s.Class), nil
}

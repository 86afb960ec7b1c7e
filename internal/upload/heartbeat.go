package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeat posts node liveness to the central monitor at a fixed interval.
// It is strictly fire-and-forget: a central outage is logged and ignored.
type Heartbeat struct {
	baseURL  string
	nodeID   string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger
}

func NewHeartbeat(baseURL, nodeID string, interval time.Duration, log zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{
		baseURL:  baseURL,
		nodeID:   nodeID,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run beats until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.baseURL == "" {
		h.log.Warn().Msg("central URL not configured, heartbeat disabled")
		return
	}
	h.log.Info().Str("node_id", h.nodeID).Dur("interval", h.interval).Msg("heartbeat started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.beat(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	body, _ := json.Marshal(map[string]string{"node_id": h.nodeID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/monitor/heartbeat", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn().Err(err).Msg("heartbeat failed, central might be down")
		return
	}
	resp.Body.Close()
}

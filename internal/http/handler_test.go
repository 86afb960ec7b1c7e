package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/metrics"
	"sentinel-edge/internal/supervisor"
)

type stubStatus struct{}

func (stubStatus) State() supervisor.State      { return supervisor.StateRunning }
func (stubStatus) ChildStates() map[string]bool { return map[string]bool{"ocr-worker": true} }

type stubPending struct{ n int }

func (s stubPending) PendingCount() int { return s.n }

func newTestRouter(t *testing.T, secret string, shutdown func()) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler("EDGE_07", "MG_ROAD", stubStatus{}, stubPending{n: 3}, nil,
		metrics.New().Registry, shutdown, zerolog.Nop())
	h.Register(r, JWTAuthMiddleware(secret))
	return r
}

func doRequest(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t, "", nil)
	w := doRequest(r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["node_id"] != "EDGE_07" {
		t.Errorf("body = %v", body)
	}
}

func TestNodeStatus(t *testing.T) {
	r := newTestRouter(t, "", nil)
	w := doRequest(r, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data struct {
			NodeID   string          `json:"node_id"`
			State    string          `json:"state"`
			Children map[string]bool `json:"children"`
			Pending  int             `json:"pending_aggregations"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Data.State != "RUNNING" || body.Data.Pending != 3 {
		t.Errorf("body = %+v", body.Data)
	}
	if !body.Data.Children["ocr-worker"] {
		t.Errorf("children = %v", body.Data.Children)
	}
}

func TestRecordsUnavailableWithoutJournal(t *testing.T) {
	r := newTestRouter(t, "", nil)
	w := doRequest(r, http.MethodGet, "/api/v1/records", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, "", nil)
	w := doRequest(r, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestControlShutdownAuth(t *testing.T) {
	const secret = "test-secret"
	fired := make(chan struct{}, 1)
	r := newTestRouter(t, secret, func() { fired <- struct{}{} })

	if w := doRequest(r, http.MethodPost, "/api/v1/control/shutdown", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/api/v1/control/shutdown", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "central"}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := doRequest(r, http.MethodPost, "/api/v1/control/shutdown", wrongKey); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "central"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	w := doRequest(r, http.MethodPost, "/api/v1/control/shutdown", token)
	if w.Code != http.StatusAccepted {
		t.Errorf("valid token: status = %d, want 202", w.Code)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Error("shutdown callback never fired")
	}
}

func TestControlDisabledWithoutSecret(t *testing.T) {
	r := newTestRouter(t, "", nil)
	if w := doRequest(r, http.MethodPost, "/api/v1/control/shutdown", "anything"); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

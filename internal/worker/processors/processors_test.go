package processors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentinel-edge/internal/domain/vehicle"
)

func TestHTTPProcessorRoundTrip(t *testing.T) {
	var gotPath string
	var gotReq inferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(inferResponse{Payload: "KA01AB1234"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(vehicle.ClassOCR, srv.URL, 5*time.Second)
	payload, err := p.Process(context.Background(), "/frames/f.jpg", "N/A")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if payload != "KA01AB1234" {
		t.Errorf("payload = %q", payload)
	}
	if gotPath != "/infer/ocr" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.FramePath != "/frames/f.jpg" {
		t.Errorf("frame path = %q", gotReq.FramePath)
	}
	// The N/A sentinel never reaches the sidecar.
	if gotReq.PlatePath != "" {
		t.Errorf("plate path = %q, want empty", gotReq.PlatePath)
	}
}

func TestHTTPProcessorSidecarError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(inferResponse{Error: "plate crop unreadable"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(vehicle.ClassOCR, srv.URL, 5*time.Second)
	if _, err := p.Process(context.Background(), "/frames/f.jpg", ""); err == nil {
		t.Fatal("want error from sidecar failure")
	}
}

func TestHTTPProcessorNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProcessor(vehicle.ClassColor, srv.URL, 5*time.Second)
	if _, err := p.Process(context.Background(), "/frames/f.jpg", ""); err == nil {
		t.Fatal("want error on non-200 response")
	}
}

func TestStaticReturnsClassDefault(t *testing.T) {
	for _, class := range vehicle.AllClasses {
		got, err := Static{Class: class}.Process(context.Background(), "", "")
		if err != nil {
			t.Fatalf("Static %s: %v", class, err)
		}
		if got != vehicle.DefaultPayload(class) {
			t.Errorf("Static %s = %q", class, got)
		}
	}
}

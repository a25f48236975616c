package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/e7canasta/camlink"
)

func newTestServer(phase camlink.Phase, recoverErr error) *Server {
	return New("127.0.0.1:0", Deps{
		Stats: func() camlink.Stats {
			return camlink.Stats{Phase: phase.String(), Camera: "camera1", FramesSent: 7}
		},
		Extra: func() map[string]any {
			return map[string]any{"capture": map[string]any{"backend": "gstreamer"}}
		},
		Recover: func(context.Context) error { return recoverErr },
	})
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: invalid JSON %q", method, path, rec.Body.String())
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(camlink.PhaseError, nil), http.MethodGet, "/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("GET /health = %d %v", rec.Code, body)
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		phase camlink.Phase
		want  int
	}{
		{camlink.PhaseStreaming, http.StatusOK},
		{camlink.PhaseSwitching, http.StatusServiceUnavailable},
		{camlink.PhaseError, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			rec, body := do(t, newTestServer(tt.phase, nil), http.MethodGet, "/readiness")
			if rec.Code != tt.want {
				t.Errorf("GET /readiness = %d, want %d", rec.Code, tt.want)
			}
			if body["phase"] != tt.phase.String() {
				t.Errorf("phase = %v", body["phase"])
			}
		})
	}
}

func TestStats(t *testing.T) {
	rec, body := do(t, newTestServer(camlink.PhaseStreaming, nil), http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats = %d", rec.Code)
	}
	pipeline, ok := body["pipeline"].(map[string]any)
	if !ok || pipeline["frames_sent"] != float64(7) {
		t.Errorf("pipeline section = %v", body["pipeline"])
	}
	if _, ok := body["capture"]; !ok {
		t.Error("extra capture section missing")
	}
}

func TestRecover(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"not in error", camlink.ErrNotInErrorState, http.StatusConflict},
		{"not started", camlink.ErrNotStarted, http.StatusServiceUnavailable},
		{"hardware", errors.New("i2c nack"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, newTestServer(camlink.PhaseError, tt.err), http.MethodPost, "/recover")
			if rec.Code != tt.want {
				t.Errorf("POST /recover = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(camlink.PhaseStreaming, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
	t.Logf("✅ Health server started and shut down")
}

package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/metrics"
	logx "reminderd/pkg/logx"
)

func newTestService(health error) *Service {
	return New(Config{}, Sources{
		Status: func(context.Context) any { return map[string]any{"global_enabled": true, "live_timers": 3} },
		Health: func() error { return health },
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(b)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()

	metrics.RecordRearm()
	h := newTestService(nil).Handler(Config{Metrics: true})

	if code, body := get(t, h, "/healthz", nil); code != 200 || body != "ok" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	code, body := get(t, h, "/status", nil)
	if code != 200 || !strings.Contains(body, `"live_timers": 3`) {
		t.Fatalf("status=%d %s", code, body)
	}
	code, body = get(t, h, "/metrics", nil)
	if code != 200 || !strings.Contains(body, "reminderd_rearm_total") {
		t.Fatalf("metrics=%d", code)
	}
	if code, _ := get(t, h, "/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()

	h := newTestService(nil).Handler(Config{Pprof: true})
	if code, _ := get(t, h, "/debug/pprof/", nil); code != 200 {
		t.Fatalf("pprof=%d", code)
	}
	if code, _ := get(t, h, "/metrics", nil); code != http.StatusNotFound {
		t.Fatalf("metrics should be off, got %d", code)
	}
}

func TestUnhealthy(t *testing.T) {
	t.Parallel()

	h := newTestService(errors.New("executor stopped")).Handler(Config{})
	if code, body := get(t, h, "/healthz", nil); code != http.StatusServiceUnavailable || !strings.Contains(body, "executor stopped") {
		t.Fatalf("healthz=%d %q", code, body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := newTestService(nil).Handler(Config{Token: "s3cret"})
	cases := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong", "/healthz", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"raw header", "/healthz", map[string]string{"Authorization": "s3cret"}, http.StatusUnauthorized},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/status?token=s3cret", nil, http.StatusOK},
	}
	for _, tc := range cases {
		if code, _ := get(t, h, tc.target, tc.hdr); code != tc.want {
			t.Errorf("%s: code=%d want %d", tc.name, code, tc.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := FromConfig(config.HTTPConfig{Enabled: true, Token: " t ", ReadTimeout: "3s"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Addr != config.DefaultHTTPAddr || cfg.Token != "t" || !cfg.Metrics || cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.WriteTimeout != 0 || cfg.IdleTimeout != time.Minute {
		t.Fatalf("timeouts=%+v", cfg)
	}
	if _, err := FromConfig(config.HTTPConfig{IdleTimeout: "x"}); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Metrics: true})

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("code=%d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("server still running")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	s.Start(context.Background())
	if s.Supervisor() != nil {
		t.Fatalf("disabled config must not start")
	}
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	sup := s.Supervisor()
	if sup == nil {
		t.Fatalf("supervisor not created")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The serve loop returns without binding, which ends the restart loop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := sup.Snapshot(); len(snap.Goroutines) > 0 && snap.Active == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() != "" {
		t.Fatalf("bound to %s without token", s.Addr())
	}
	s.Stop(ctx)
}

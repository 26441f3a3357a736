package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Body)
	return rec.Code, string(b)
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "irrigation_test_total", Help: "t"}))

	healthy := true
	s := New(Config{}, reg, Hooks{
		Health: func(context.Context) error {
			if !healthy {
				return errors.New("transport down")
			}
			return nil
		},
		Status: func() any { return map[string]int{"valves_running": 2} },
	}, logx.Nop())
	h := s.Handler(Config{Metrics: true})

	if code, body := get(t, h, "/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, body := get(t, h, "/status", ""); code != http.StatusOK || !strings.Contains(body, `"valves_running":2`) {
		t.Fatalf("status = %d %q", code, body)
	}
	if code, body := get(t, h, "/metrics", ""); code != http.StatusOK || !strings.Contains(body, "irrigation_test_total") {
		t.Fatalf("metrics = %d", code)
	}
	if code, _ := get(t, h, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", code)
	}

	healthy = false
	if code, body := get(t, h, "/healthz", ""); code != http.StatusServiceUnavailable || !strings.Contains(body, "transport down") {
		t.Fatalf("unhealthy = %d %q", code, body)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, Hooks{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Pprof: true})

	cases := []struct {
		path string
		auth string
		want int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz", "Bearer nope", http.StatusUnauthorized},
		{"/healthz", "Bearer s3cret", http.StatusOK},
		{"/healthz?token=s3cret", "", http.StatusOK},
		{"/healthz?token=bad", "Bearer s3cret", http.StatusUnauthorized},
		{"/debug/pprof/", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		if code, _ := get(t, h, tc.path, tc.auth); code != tc.want {
			t.Fatalf("%s auth=%q: code %d, want %d", tc.path, tc.auth, code, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9101": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9101":          false,
		"0.0.0.0:9101":   false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestReconfigureStartStop(t *testing.T) {
	s := New(Config{}, nil, Hooks{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		time.Sleep(20 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("still bound at %s", got)
	}
}

package debughttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "harvester/pkg/logx"
)

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "harvester_passes_total 1\n")
	})
	healthy := true
	s := New(Config{}, Deps{
		Metrics: metrics,
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("store unreachable")
		},
	}, logx.Nop())
	h := s.Handler(Config{Prefix: "dbg"})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body)
	}
	healthy = false
	if rec := get("/healthz"); rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "store unreachable") {
		t.Fatalf("unhealthy: %d %s", rec.Code, rec.Body)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "harvester_passes_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body)
	}
	if rec := get("/dbg/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
	if rec := get("/dbg"); rec.Code != http.StatusPermanentRedirect || rec.Header().Get("Location") != "/dbg/" {
		t.Fatalf("redirect: %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"bad query", "/healthz?token=nope", "", http.StatusUnauthorized},
		{"good query", "/healthz?token=s3cret", "", http.StatusOK},
		{"good bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"bad bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: code=%d want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start=%v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("must not listen")
	}
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no address")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatalf("still listening after disable")
	}
	if _, err := client.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("server still answering after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", addr, got)
		}
	}
}

func TestHealthzDetails(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{
		Health:  func(context.Context) error { return errors.New("store unreachable") },
		Details: func() any { return map[string]string{"pass": "2025-06-01T10:00:00Z"} },
	}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := rec.Body.String()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(body, `"details":{"pass":"2025-06-01T10:00:00Z"}`) || !strings.Contains(body, "store unreachable") {
		t.Fatalf("body=%s", body)
	}

	bare := New(Config{}, Deps{}, logx.Nop())
	rec = httptest.NewRecorder()
	bare.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if strings.Contains(rec.Body.String(), "details") {
		t.Fatalf("details rendered without a source: %s", rec.Body)
	}
}

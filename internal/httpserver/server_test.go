package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/peerly/peerly/internal/config"
)

func startTestServer(t *testing.T) (baseURL string) {
	t.Helper()

	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t)

	t.Run("healthz", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/healthz")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/readyz")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/version")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["commit"] != "abc" {
			t.Fatalf("body=%v, want commit=abc", body)
		}
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	baseURL := startTestServer(t)

	t.Run("generated", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected generated X-Request-ID")
		}
	})

	t.Run("echoed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-Request-ID", "test-req-id")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get("X-Request-ID"); got != "test-req-id" {
			t.Fatalf("X-Request-ID=%q, want test-req-id", got)
		}
	})
}

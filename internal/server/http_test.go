package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/metrics"
	"github.com/AvengeMedia/pimsearch/internal/server/models"
)

func TestNewHTTP(t *testing.T) {
	srv := NewHTTP(HTTPOptions{Addr: ":8080"}, &mockSearcher{}, &mockAgent{})

	if srv == nil {
		t.Fatal("NewHTTP() returned nil")
	}

	if srv.server == nil {
		t.Error("server should not be nil")
	}

	if srv.server.Addr != ":8080" {
		t.Errorf("Addr = %v, want :8080", srv.server.Addr)
	}
}

func TestHTTPServer_Routes(t *testing.T) {
	metrics.Register()
	srv := NewHTTP(HTTPOptions{Addr: ":8080", Metrics: true}, &mockSearcher{}, &mockAgent{})

	q := url.QueryEscape(`{"term":{"subject":{"$ct":"report"}}}`)
	tests := []struct {
		name   string
		path   string
		method string
		body   string
		status int
	}{
		{
			name:   "health endpoint",
			path:   "/health",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "metrics endpoint",
			path:   "/metrics",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "search endpoint",
			path:   "/search?text=test&q=" + q,
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "search with bad query",
			path:   "/search?q=" + url.QueryEscape(`{"term":[1]}`),
			method: http.MethodGet,
			status: http.StatusBadRequest,
		},
		{
			name:   "status endpoint",
			path:   "/status",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "sync endpoint",
			path:   "/sync/3",
			method: http.MethodPost,
			status: http.StatusOK,
		},
		{
			name:   "sync unknown collection",
			path:   "/sync/99",
			method: http.MethodPost,
			status: http.StatusNotFound,
		},
		{
			name:   "collections endpoint",
			path:   "/collections",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "move endpoint",
			path:   "/items/move",
			method: http.MethodPost,
			body:   `{"ids":[1,2],"to":4}`,
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %v, want %v: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestHTTPServer_MetricsDisabled(t *testing.T) {
	srv := NewHTTP(HTTPOptions{Addr: ":8080"}, &mockSearcher{}, &mockAgent{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %v, want 404", rec.Code)
	}
}

func TestHTTPServer_Shutdown(t *testing.T) {
	srv := NewHTTP(HTTPOptions{Addr: "127.0.0.1:0"}, &mockSearcher{}, &mockAgent{})

	go func() {
		srv.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestUnixServer_RequestLines(t *testing.T) {
	srv := NewUnix(NewRouter(&mockSearcher{}, &mockAgent{}), "test")
	srv.path = filepath.Join(t.TempDir(), "pimsearch-test.sock")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var conn net.Conn
	var err error
	for range 50 {
		if conn, err = net.Dial("unix", srv.Path()); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatal("no server info line")
	}
	var info ServerInfo
	if err := json.Unmarshal(scanner.Bytes(), &info); err != nil || info.APIVersion != APIVersion {
		t.Fatalf("server info = %s (%v)", scanner.Text(), err)
	}

	for id, line := range []string{`{"id":1,"method":"ping"}`, `not json`, `{"id":3,"method":"ping"}`} {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !scanner.Scan() {
			t.Fatalf("no response to request %d", id)
		}
		var resp models.Response[string]
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("response %d: %v", id, err)
		}
		if line == "not json" {
			if resp.Error != "invalid json" {
				t.Errorf("Error = %q, want invalid json", resp.Error)
			}
			continue
		}
		if resp.Result == nil || *resp.Result != "pong" {
			t.Errorf("Result = %v, want pong", resp.Result)
		}
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestIsSocketName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"pimsearch-123.sock", true},
		{"pimsearch-123.pid", false},
		{"othersearch-123.sock", false},
	}
	for _, tt := range tests {
		if got := IsSocketName(tt.name); got != tt.want {
			t.Errorf("IsSocketName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/workspace/agent-host/internal/config"
	"github.com/workspace/agent-host/internal/orchestrator"
	"github.com/workspace/agent-host/internal/preview"
	"github.com/workspace/agent-host/internal/toolcall"
	"github.com/workspace/agent-host/internal/workspace"
)

type stubApplier struct{}

func (stubApplier) Apply(_ context.Context, _, _, sketch string) (string, error) {
	return sketch, nil
}

type testServer struct {
	server   *Server
	orch     *orchestrator.Orchestrator
	commands *preview.CommandRegistry
	ports    *preview.PortRegistry
	root     string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Host:           "127.0.0.1",
		Port:           0,
		AllowedOrigins: []string{"*"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	root := t.TempDir()
	ws := workspace.NewManager(root)
	commands := preview.NewCommandRegistry()
	ports := preview.NewPortRegistry(nil, time.Minute)
	router := toolcall.New(
		ws,
		ports,
		preview.NewDevServerRegistry(),
		commands,
		stubApplier{},
		toolcall.Config{},
	)
	orch := orchestrator.New(orchestrator.Config{
		AgentCommand: "/bin/sh",
		AgentArgs:    cfg.AgentArgs,
	}, ws, router, nil, nil)

	return &testServer{
		server:   New(cfg, orch, commands, ports),
		orch:     orch,
		commands: commands,
		ports:    ports,
		root:     root,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Fatalf("status field=%v, want healthy", body["status"])
	}
	if body["activeRuns"] != float64(0) {
		t.Fatalf("activeRuns=%v, want 0", body["activeRuns"])
	}
}

func TestKillCommandNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/workspaces/ws-1/commands/c1/kill", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestKillCommandFound(t *testing.T) {
	ts := newTestServer(t, nil)

	killed := make(chan struct{})
	ts.commands.Register("ws-1", "c1", func() { close(killed) })

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/workspaces/ws-1/commands/c1/kill", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	select {
	case <-killed:
	default:
		t.Fatal("kill function was not invoked")
	}
}

func TestListEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.orch.Events().Append("ws-1", "run_started", "run r1 started")

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/workspaces/ws-1/events", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	events, ok := body["events"].([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("events=%v, want one entry", body["events"])
	}
}

func TestCORSHeadersForAllowedOrigin(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin=%q, want the request origin", got)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin=%q for disallowed origin, want empty", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest("OPTIONS", "/callbacks/tool", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", rec.Code)
	}
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://foo.example.com/path", "https://*.example.com", false},
		{"https://evil.net", "https://*.example.com", false},
	}
	for _, tc := range tests {
		if got := matchWildcardOrigin(tc.origin, tc.pattern); got != tc.want {
			t.Errorf("matchWildcardOrigin(%q, %q) = %v, want %v", tc.origin, tc.pattern, got, tc.want)
		}
	}
}

func TestPortProxyRewritesPath(t *testing.T) {
	// Backend standing in for a dev server; records the path it sees.
	pathCh := make(chan string, 1)
	backend := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go backend.Serve(ln)
	defer backend.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ts := newTestServer(t, nil)
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/workspaces/ws-1/ports/" + strconv.Itoa(port) + "/assets/app.js")
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	select {
	case gotPath := <-pathCh:
		if gotPath != "/assets/app.js" {
			t.Fatalf("backend saw path %q, want /assets/app.js", gotPath)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the request")
	}
}

func TestPortProxyUsesResolvedHost(t *testing.T) {
	// Dev server bound only to the IPv6 loopback. The proxy must dial the
	// host recorded by the reachability probe, not assume 127.0.0.1.
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	defer ln.Close()
	backend := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go backend.Serve(ln)
	defer backend.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ts := newTestServer(t, nil)
	ts.ports.Register("ws-1", port)
	ts.ports.SetResolvedHost("ws-1", "::1")

	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/workspaces/ws-1/ports/" + strconv.Itoa(port))
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
}

func TestPortProxyRejectsBadPort(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/workspaces/ws-1/ports/notaport", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestPortProxyBadGateway(t *testing.T) {
	ts := newTestServer(t, nil)
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	// Grab a port with nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	resp, err := http.Get(front.URL + "/workspaces/ws-1/ports/" + strconv.Itoa(port))
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body["error"], "port proxy error") {
		t.Fatalf("error=%q, want a proxy error", body["error"])
	}
}

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-host/internal/config"
)

func dialWS(t *testing.T, front *httptest.Server, header http.Header) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(front.URL, "http") + "/agent/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readUntil reads messages until pred matches one or the timeout fires.
func readUntil(t *testing.T, conn *websocket.Conn, what string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading toward %s: %v", what, err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func TestAgentWSRunRoundTrip(t *testing.T) {
	script := `printf '%s\n' 'Taking a look.'`
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AgentArgs = []string{"-c", script, "sh"}
	})
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	conn, err := dialWS(t, front, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"type":        "run",
		"workspaceId": "ws-1",
		"message":     "go",
	}); err != nil {
		t.Fatalf("send run: %v", err)
	}

	chunk := readUntil(t, conn, "chunk", func(m map[string]any) bool {
		return m["type"] == "chunk"
	})
	if data, _ := chunk["data"].(string); !strings.Contains(data, "Taking a look.") {
		t.Fatalf("chunk data=%q", chunk["data"])
	}

	end := readUntil(t, conn, "end", func(m map[string]any) bool {
		return m["type"] == "end"
	})
	if end["code"] != float64(0) {
		t.Fatalf("end code=%v, want 0", end["code"])
	}
}

func TestAgentWSRejectsMissingWorkspace(t *testing.T) {
	ts := newTestServer(t, nil)
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	conn, err := dialWS(t, front, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "run", "message": "go"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readUntil(t, conn, "error", func(m map[string]any) bool {
		return m["type"] == "error"
	})
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "workspaceId") {
		t.Fatalf("error=%q", msg["error"])
	}
}

func TestAgentWSAbortWithoutRun(t *testing.T) {
	ts := newTestServer(t, nil)
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	conn, err := dialWS(t, front, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "abort", "workspaceId": "ws-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readUntil(t, conn, "error", func(m map[string]any) bool {
		return m["type"] == "error"
	})
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "no active run") {
		t.Fatalf("error=%q", msg["error"])
	}
}

func TestAgentWSUnknownMessageType(t *testing.T) {
	ts := newTestServer(t, nil)
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	conn, err := dialWS(t, front, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "nope", "workspaceId": "ws-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readUntil(t, conn, "error", func(m map[string]any) bool {
		return m["type"] == "error"
	})
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "unknown message type") {
		t.Fatalf("error=%q", msg["error"])
	}
}

func TestAgentWSOriginValidation(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com", "https://*.preview.example.com"}
	})
	front := httptest.NewServer(ts.server.Handler())
	defer front.Close()

	// Disallowed origin: handshake must fail.
	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	if conn, err := dialWS(t, front, header); err == nil {
		conn.Close()
		t.Fatal("disallowed origin must be rejected")
	}

	// Exact allowed origin.
	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, err := dialWS(t, front, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()

	// Wildcard subdomain match.
	header = http.Header{"Origin": []string{"https://pr-42.preview.example.com"}}
	conn, err = dialWS(t, front, header)
	if err != nil {
		t.Fatalf("wildcard origin rejected: %v", err)
	}
	conn.Close()
}

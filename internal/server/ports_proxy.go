package server

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
)

// handlePortProxy proxies workspace preview traffic to a local dev
// server port. Each workspace has an isolated route path, avoiding
// host-port publication conflicts.
func (s *Server) handlePortProxy(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}

	portValue := r.PathValue("port")
	port, err := strconv.Atoi(portValue)
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	// Default to IPv4 loopback, but prefer the host that answered the
	// reachability probe. A dev server bound only to ::1 is unreachable
	// on 127.0.0.1.
	host := "127.0.0.1"
	if entry, ok := s.ports.Lookup(workspaceID); ok && entry.Port == port && entry.ResolvedHost != "" {
		host = entry.ResolvedHost
	}

	targetURL, err := url.Parse(fmt.Sprintf("http://%s", net.JoinHostPort(host, portValue)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build proxy target")
		return
	}

	// The dev server must see paths relative to its own root, not the
	// proxy route prefix.
	prefix := fmt.Sprintf("/workspaces/%s/ports/%d", workspaceID, port)
	upstreamPath := strings.TrimPrefix(r.URL.Path, prefix)
	if !strings.HasPrefix(upstreamPath, "/") {
		upstreamPath = "/" + upstreamPath
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = upstreamPath
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		writeError(rw, http.StatusBadGateway, fmt.Sprintf("port proxy error: %v", proxyErr))
	}
	proxy.ServeHTTP(w, r)
}

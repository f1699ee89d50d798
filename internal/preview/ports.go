// Package preview provides per-workspace bookkeeping for dev-server
// processes and the ports they listen on, plus the probing used to decide
// when a preview target is actually live.
package preview

import (
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// DefaultPortTTL is how long a detected port stays valid without being
// re-detected in process output. A stopped server's stale port must never
// be offered as a live preview target.
const DefaultPortTTL = 10 * time.Minute

// PortEntry records the most recently detected dev-server port for a
// workspace.
type PortEntry struct {
	WorkspaceID  string
	Port         int
	UpdatedAt    time.Time
	ResolvedHost string
}

// PortRegistry tracks one detected dev-server port per workspace.
// Last write wins; entries expire after the TTL.
type PortRegistry struct {
	mu       sync.RWMutex
	entries  map[string]PortEntry
	reserved map[int]struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewPortRegistry creates a registry. Ports in reserved (the host
// application's own ports) are never eligible for registration.
func NewPortRegistry(reserved []int, ttl time.Duration) *PortRegistry {
	if ttl <= 0 {
		ttl = DefaultPortTTL
	}
	m := make(map[int]struct{}, len(reserved))
	for _, p := range reserved {
		m[p] = struct{}{}
	}
	return &PortRegistry{
		entries:  make(map[string]PortEntry),
		reserved: m,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Register records port for the workspace, refreshing the timestamp if the
// port was already known. It returns false without side effects for
// reserved or out-of-range ports.
func (r *PortRegistry) Register(workspaceID string, port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reserved[port]; ok {
		slog.Debug("preview: refusing reserved port", "workspaceID", workspaceID, "port", port)
		return false
	}
	r.entries[workspaceID] = PortEntry{
		WorkspaceID: workspaceID,
		Port:        port,
		UpdatedAt:   r.now(),
	}
	return true
}

// Lookup returns the current entry for the workspace, if one exists and has
// not expired. Expired entries are removed on read.
func (r *PortRegistry) Lookup(workspaceID string) (PortEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[workspaceID]
	if !ok {
		return PortEntry{}, false
	}
	if r.now().Sub(entry.UpdatedAt) > r.ttl {
		delete(r.entries, workspaceID)
		return PortEntry{}, false
	}
	return entry, true
}

// SetResolvedHost records which loopback family answered the reachability
// probe for the workspace's current entry.
func (r *PortRegistry) SetResolvedHost(workspaceID, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[workspaceID]; ok {
		entry.ResolvedHost = host
		r.entries[workspaceID] = entry
	}
}

// Invalidate drops the entry for a workspace, if any.
func (r *PortRegistry) Invalidate(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, workspaceID)
}

// Port detection heuristics, tried in order. The first match wins.
var portPatterns = []*regexp.Regexp{
	// Explicit URLs: http://localhost:5174/, https://127.0.0.1:3000
	regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})`),
	// "listening on port 8080", "Server started at port 4000", "running on 3000"
	regexp.MustCompile(`(?i)(?:listening|started|running|serving|ready)\b[^\n]*?\bport\s*:?\s*(\d{2,5})`),
	regexp.MustCompile(`(?i)(?:listening|running)\s+(?:on|at)\s+[^\s]*:(\d{2,5})`),
	// "port=3000" style assignments
	regexp.MustCompile(`(?i)\bport\s*=\s*(\d{2,5})`),
}

// DetectPort scans process output text for a dev-server port announcement
// and returns the first port found, or 0 if none.
func DetectPort(output string) int {
	for _, pattern := range portPatterns {
		match := pattern.FindStringSubmatch(output)
		if match == nil {
			continue
		}
		port, err := strconv.Atoi(match[1])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		return port
	}
	return 0
}

package preview

import "sync"

// CommandRegistry tracks killable long-running shell commands so the client
// can cancel a specific command by (workspaceID, callID) without touching
// the rest of the run.
type CommandRegistry struct {
	mu   sync.Mutex
	kill map[commandKey]func()
}

type commandKey struct {
	workspaceID string
	callID      string
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{kill: make(map[commandKey]func())}
}

// Register records the kill function for a running command.
func (r *CommandRegistry) Register(workspaceID, callID string, kill func()) {
	r.mu.Lock()
	r.kill[commandKey{workspaceID, callID}] = kill
	r.mu.Unlock()
}

// Remove drops the entry when the command ends on its own.
func (r *CommandRegistry) Remove(workspaceID, callID string) {
	r.mu.Lock()
	delete(r.kill, commandKey{workspaceID, callID})
	r.mu.Unlock()
}

// Kill terminates the command identified by (workspaceID, callID).
// Returns false if no such command is registered.
func (r *CommandRegistry) Kill(workspaceID, callID string) bool {
	r.mu.Lock()
	kill, ok := r.kill[commandKey{workspaceID, callID}]
	delete(r.kill, commandKey{workspaceID, callID})
	r.mu.Unlock()

	if ok && kill != nil {
		kill()
	}
	return ok
}

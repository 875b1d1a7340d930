// Package savemode tracks which users have turned on recording with /save.
// State lives in memory only and is lost on restart.
package savemode

import (
	"sync"

	"github.com/onnwee/line-sheets/telemetry"
)

// Gate is a concurrency-safe per-user toggle. The zero value is not usable; call New.
type Gate struct {
	mu    sync.RWMutex
	users map[string]bool
}

func New() *Gate {
	return &Gate{users: make(map[string]bool)}
}

// Enable turns recording on for user.
func (g *Gate) Enable(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[user] = true
	telemetry.SetRecordingUsers(len(g.users))
}

// Disable turns recording off for user.
func (g *Gate) Disable(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, user)
	telemetry.SetRecordingUsers(len(g.users))
}

// Enabled reports whether user is recording. Unknown users are not.
func (g *Gate) Enabled(user string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.users[user]
}

// Len returns the number of users currently recording.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.users)
}

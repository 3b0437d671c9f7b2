// Package tarpit implements the per-client-address authentication lockout
// and the process-wide request serializer the RPC service is built on.
// Modeled on the reference implementation's Tar/Pit pair: a client address
// flagged as "currently being punished for a bad credential" is rejected
// outright, without its credentials even being examined, until the
// lockout's sleep elapses.
package tarpit

import (
	"sync"
	"time"
)

// Delay is how long a client address stays locked out after one failed
// authentication attempt.
const Delay = 2 * time.Second

// Tar tracks which client addresses are currently serving out a bad-auth
// penalty.
type Tar struct {
	mu      sync.Mutex
	pitted  map[string]bool
}

// New returns an empty Tar.
func New() *Tar {
	return &Tar{pitted: map[string]bool{}}
}

// IsStuck reports whether clientID is currently locked out.
func (t *Tar) IsStuck(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pitted[clientID]
}

// Punish flags clientID as locked out, sleeps for Delay, then clears the
// flag. Call this synchronously from the failed-auth path; the caller
// sends its 401 after Punish returns.
func (t *Tar) Punish(clientID string) {
	t.mu.Lock()
	t.pitted[clientID] = true
	t.mu.Unlock()

	time.Sleep(Delay)

	t.mu.Lock()
	delete(t.pitted, clientID)
	t.mu.Unlock()
}

// Serializer is the process-wide mutex that guards every dispatched RPC
// method body: the underlying storage tools and LIO configuration store
// are not safe under concurrent mutation, so at most one method body runs
// at a time regardless of how many connections are open.
type Serializer struct {
	mu sync.Mutex
}

// NewSerializer returns an unlocked Serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Do runs fn with the process-wide mutex held.
func (s *Serializer) Do(fn func() (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

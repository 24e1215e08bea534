// Package registry tracks the live connections of a server and the
// nicknames they have claimed.
package registry

import "sync"

type entry[C comparable] struct {
	conn     C
	nickname string // empty until claimed
}

// Member is a copy of a registered connection and its nickname.
type Member[C comparable] struct {
	Conn     C
	Nickname string
}

// Registry maps connections to entries. All methods are safe for concurrent
// use. Reads share the lock.
type Registry[C comparable] struct {
	mu      sync.RWMutex
	entries map[C]*entry[C]
	// version increments on every mutation so TrySetNickname can tell
	// whether its read-locked scan is still valid under the write lock.
	version uint64
}

func New[C comparable]() *Registry[C] {
	return &Registry[C]{entries: make(map[C]*entry[C])}
}

// Add registers c with no nickname. Adding a connection that is already
// present leaves it unchanged and returns its current state.
func (r *Registry[C]) Add(c C) Member[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[c]; ok {
		return Member[C]{Conn: e.conn, Nickname: e.nickname}
	}
	r.entries[c] = &entry[C]{conn: c}
	r.version++
	return Member[C]{Conn: c}
}

// Remove unregisters c and releases its nickname. Removing an absent
// connection is a no-op.
func (r *Registry[C]) Remove(c C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c]; ok {
		delete(r.entries, c)
		r.version++
	}
}

// TrySetNickname claims name for c. It returns false if name is empty, c is
// not registered or another connection holds name. Claiming the name c already holds
// succeeds without change. A successful claim replaces c's previous
// nickname. Of several concurrent claims on one name, exactly one succeeds.
func (r *Registry[C]) TrySetNickname(c C, name string) bool {
	for {
		r.mu.RLock()
		ok, done := r.checkLocked(c, name)
		seen := r.version
		r.mu.RUnlock()
		if done {
			return ok
		}

		r.mu.Lock()
		if r.version != seen {
			// Something changed between the scan and the write lock.
			r.mu.Unlock()
			continue
		}
		r.entries[c].nickname = name
		r.version++
		r.mu.Unlock()
		return true
	}
}

// checkLocked decides a claim without mutating. done reports whether the
// answer is final; when it is false the claim may proceed.
func (r *Registry[C]) checkLocked(c C, name string) (ok, done bool) {
	if name == "" {
		// Empty means no nickname; it cannot be claimed.
		return false, true
	}
	e, registered := r.entries[c]
	if !registered {
		return false, true
	}
	if e.nickname == name {
		return true, true
	}
	for other, oe := range r.entries {
		if other != c && oe.nickname == name {
			return false, true
		}
	}
	return false, false
}

// Nickname returns the nickname c holds, if any.
func (r *Registry[C]) Nickname(c C) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[c]
	if !ok || e.nickname == "" {
		return "", false
	}
	return e.nickname, true
}

// CurrentConnections returns a snapshot of every registered connection.
// Later registry changes do not affect the returned slice.
func (r *Registry[C]) CurrentConnections() []Member[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member[C], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Member[C]{Conn: e.conn, Nickname: e.nickname})
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

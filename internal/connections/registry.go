// Package connections tracks which live transport connections are watching
// which contest, and under which participant address.
package connections

import (
	"sort"
	"sync"

	"github.com/charmbracelet/log"
)

// Binding is what a connection is currently bound to.
type Binding struct {
	ContestID string
	Address   string
}

// Registry maps connection ids to contests and back. Every method is total:
// unknown ids are no-ops or empty results, since disconnects race with
// everything else.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]Binding
	byContest map[string]map[string]struct{}
	logger    *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		byConn:    make(map[string]Binding),
		byContest: make(map[string]map[string]struct{}),
		logger:    logger.WithPrefix("connections"),
	}
}

// Bind registers connID under contestID. Rebinding the same pair is a no-op;
// binding to a different contest moves the connection. It reports whether
// anything changed.
func (r *Registry) Bind(contestID, connID, address string) bool {
	if contestID == "" || connID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := Binding{ContestID: contestID, Address: address}
	if prev, ok := r.byConn[connID]; ok {
		if prev == next {
			return false
		}
		if prev.ContestID != contestID {
			r.detachLocked(connID, prev.ContestID)
		}
	}
	r.byConn[connID] = next
	set, ok := r.byContest[contestID]
	if !ok {
		set = make(map[string]struct{})
		r.byContest[contestID] = set
	}
	set[connID] = struct{}{}
	return true
}

// Unbind removes connID from whatever contest it is bound to and returns the
// binding it had. Unknown ids are ignored.
func (r *Registry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.byConn, connID)
	r.detachLocked(connID, b.ContestID)
	return b, true
}

// UnbindContest drops every connection bound to contestID.
func (r *Registry) UnbindContest(contestID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byContest[contestID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		delete(r.byConn, id)
	}
	delete(r.byContest, contestID)
	sort.Strings(ids)
	return ids
}

// ConnectionsFor returns the connections bound to contestID in a stable
// order. Unknown contests yield an empty slice.
func (r *Registry) ConnectionsFor(contestID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byContest[contestID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InfoFor returns the binding of connID.
func (r *Registry) InfoFor(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byConn[connID]
	return b, ok
}

// Addresses returns the distinct non-empty addresses connected to contestID.
func (r *Registry) Addresses(contestID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range r.byContest[contestID] {
		if addr := r.byConn[id].Address; addr != "" {
			seen[addr] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of bound connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) detachLocked(connID, contestID string) {
	set := r.byContest[contestID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byContest, contestID)
		// The contest itself lives on; spectators may come back.
		r.logger.Info("Last connection left contest", "contest", contestID, "conn", connID)
	}
}

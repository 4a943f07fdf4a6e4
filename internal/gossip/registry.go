package gossip

import (
	"math/rand"
	"sync"
	"time"
)

// PeerState is one entry in the in-memory peer registry (§4.4 steady
// state): a peer id, its address, when it was last seen, and a local-only
// suspicion flag (§12 supplemented feature — never gossiped, just a
// scheduling hint for push-peer selection).
type PeerState struct {
	ID        string
	Address   string
	LastSeen  time.Time
	Suspected bool
}

// Registry is the in-memory MN peer registry. It is mutated only by its
// owning loop (the discovery/heartbeat-relay callers); other loops take
// snapshots via Peers()/Select() (§5 shared-resource policy).
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
	ttl   time.Duration
}

// NewRegistry creates an empty registry with the given eviction TTL.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{peers: make(map[string]*PeerState), ttl: ttl}
}

// Upsert registers or refreshes a peer's last-seen stamp.
func (r *Registry) Upsert(id, address string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		p = &PeerState{ID: id, Address: address}
		r.peers[id] = p
	}
	p.Address = address
	p.LastSeen = now
	p.Suspected = false
}

// MarkSuspected flags a peer as suspected dead after a failed gossip push,
// purely a local scheduling hint (§12).
func (r *Registry) MarkSuspected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Suspected = true
	}
}

// Remove evicts a peer entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Peers returns a snapshot of all known peers.
func (r *Registry) Peers() []PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// EvictStale removes entries whose last-seen stamp is older than the
// registry's TTL, returning the evicted ids (§4.4 steady state).
func (r *Registry) EvictStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > r.ttl {
			evicted = append(evicted, id)
			delete(r.peers, id)
		}
	}
	return evicted
}

// SelectFanout selects up to n distinct peers uniformly at random,
// de-prioritizing peers currently marked suspected (§4.3 step 1, §12).
func (r *Registry) SelectFanout(n int, exclude map[string]bool) []PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy, suspected []PeerState
	for _, p := range r.peers {
		if exclude[p.ID] {
			continue
		}
		if p.Suspected {
			suspected = append(suspected, *p)
		} else {
			healthy = append(healthy, *p)
		}
	}

	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	rand.Shuffle(len(suspected), func(i, j int) { suspected[i], suspected[j] = suspected[j], suspected[i] })

	candidates := append(healthy, suspected...)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// SelectOne picks a single random peer for anti-entropy (§4.3 step 1).
func (r *Registry) SelectOne() (PeerState, bool) {
	selected := r.SelectFanout(1, nil)
	if len(selected) == 0 {
		return PeerState{}, false
	}
	return selected[0], true
}

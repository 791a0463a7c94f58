// Package membership tracks the liveness of peers the clustering substrate
// knows about. It is an internal hint only: ring membership authority lives
// entirely in GossipRing's vclock-ordered CHash, never here. A peer marked
// Suspected or Failed stays in the ring until a real GossipRing mutation
// (remove/leave) says otherwise.
package membership

import (
	"sync"
	"time"

	"clusterkit/internal/node"
)

// Status is a peer's locally observed liveness.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspected:
		return "suspected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PeerState is the mutable liveness record for one Node, kept separate from
// node.Node so the identity triple stays immutable.
type PeerState struct {
	mu sync.RWMutex

	peer      node.Node
	status    Status
	lastSeen  time.Time
	startTime time.Time

	heartbeats    uint64
	suspicionTime time.Time
}

// NewPeerState creates a PeerState for peer, starting Alive.
func NewPeerState(peer node.Node) *PeerState {
	now := time.Now()
	return &PeerState{
		peer:      peer,
		status:    StatusAlive,
		lastSeen:  now,
		startTime: now,
	}
}

func (p *PeerState) Node() node.Node { return p.peer }

// Heartbeat records a liveness signal, reviving a Suspected peer to Alive.
func (p *PeerState) Heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	p.lastSeen = time.Now()
	if p.status == StatusSuspected {
		p.status = StatusAlive
	}
}

// Suspect transitions Alive -> Suspected and records the transition time. A
// no-op from any other status.
func (p *PeerState) Suspect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusAlive {
		p.status = StatusSuspected
		p.suspicionTime = time.Now()
	}
}

// MarkFailed transitions to Failed unconditionally.
func (p *PeerState) MarkFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusFailed
}

// MarkAlive transitions to Alive and refreshes lastSeen.
func (p *PeerState) MarkAlive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusAlive
	p.lastSeen = time.Now()
}

func (p *PeerState) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *PeerState) IsHealthy() bool {
	return p.Status() == StatusAlive
}

func (p *PeerState) LastSeenAgo() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.lastSeen)
}

// Info returns a snapshot suitable for the admin API's /peers view.
func (p *PeerState) Info() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"id":              p.peer.ID,
		"addr":            p.peer.Addr(),
		"status":          p.status.String(),
		"last_seen":       p.lastSeen.Unix(),
		"start_time":      p.startTime.Unix(),
		"heartbeat_count": p.heartbeats,
		"uptime_seconds":  time.Since(p.startTime).Seconds(),
	}
}

// Table is a registry of PeerState keyed by node id, used by GossipRing to
// carry liveness hints alongside the authoritative CHash membership.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

func NewTable() *Table {
	return &Table{peers: make(map[string]*PeerState)}
}

// Ensure returns the PeerState for n, creating one (Alive) if absent.
func (t *Table) Ensure(n node.Node) *PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.peers[n.ID]; ok {
		return ps
	}
	ps := NewPeerState(n)
	t.peers[n.ID] = ps
	return ps
}

func (t *Table) Get(id string) (*PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.peers[id]
	return ps, ok
}

// Remove drops id from the table (called when GossipRing removes a node
// from the ring).
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *Table) All() []*PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerState, 0, len(t.peers))
	for _, ps := range t.peers {
		out = append(out, ps)
	}
	return out
}

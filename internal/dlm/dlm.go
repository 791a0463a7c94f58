// Package dlm implements a quorum-based distributed lock manager atop a
// genserver.GenServer and a gossip.Ring. It is a consumer, not part of
// the clustering substrate: it makes no membership or routing decisions of
// its own, it only uses gossip.Ring.Find to compute a lock's replica set and
// fans out genserver calls to collect quorum acknowledgements from it.
package dlm

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"clusterkit/internal/genserver"
	"clusterkit/internal/gossip"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
)

// Config configures quorum fractions and lease duration for a Manager.
type Config struct {
	RQuorum       float64       // default 0.51
	WQuorum       float64       // default 0.51
	LeaseDuration time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.RQuorum <= 0 {
		c.RQuorum = 0.51
	}
	if c.WQuorum <= 0 {
		c.WQuorum = 0.51
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	return c
}

// Mode is a lock's acquisition mode.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// grant is the local per-lock state a node's GenServer holds on behalf of
// whichever replica set it is a member of.
type grant struct {
	mode      Mode
	holders   map[string]time.Time // holder -> lease expiry; >1 entries only for read
	expiresAt time.Time
}

func (g *grant) expired(now time.Time) bool {
	return now.After(g.expiresAt)
}

// acquireRequest/acquireResponse and releaseRequest are the {event, data}
// payloads carried over the GenServer's call/cast.
type acquireRequest struct {
	LockID string        `json:"lock_id"`
	Holder string        `json:"holder"`
	Mode   Mode          `json:"mode"`
	Lease  time.Duration `json:"lease"`
}

type acquireResponse struct {
	Granted bool `json:"granted"`
}

type releaseRequest struct {
	LockID string `json:"lock_id"`
	Holder string `json:"holder"`
}

// Manager is a distributed lock manager registered at a well-known name on
// every node in the cluster.
type Manager struct {
	gs   *genserver.GenServer
	ring *gossip.Ring
	cfg  Config

	mu     sync.Mutex
	grants map[string]*grant
}

// New binds a Manager to gs (already constructed atop the cluster's
// NetKernel) and ring (used only to compute replica sets via Find).
func New(gs *genserver.GenServer, ring *gossip.Ring, cfg Config) *Manager {
	m := &Manager{
		gs:     gs,
		ring:   ring,
		cfg:    cfg.withDefaults(),
		grants: make(map[string]*grant),
	}
	gs.On("acquire", m.onAcquire)
	gs.On("release", m.onRelease)
	return m
}

// Start registers the Manager's GenServer at name.
func (m *Manager) Start(name string) error {
	return m.gs.Start(name)
}

func (m *Manager) onAcquire(args ...any) {
	var req acquireRequest
	from, ok := unmarshalArgs(args, &req)
	if !ok {
		return
	}
	granted := m.tryGrant(req)
	_ = m.gs.Reply(from, "acquire-result", acquireResponse{Granted: granted})
}

func (m *Manager) onRelease(args ...any) {
	var req releaseRequest
	if _, ok := unmarshalArgs(args, &req); !ok {
		return
	}
	m.release(req.LockID, req.Holder)
}

func unmarshalArgs(args []any, v any) (netkernel.ReplyAddr, bool) {
	var from netkernel.ReplyAddr
	if len(args) == 0 {
		return from, false
	}
	raw, ok := args[0].(json.RawMessage)
	if !ok {
		return from, false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return from, false
	}
	if len(args) > 1 {
		if f, ok := args[1].(netkernel.ReplyAddr); ok {
			from = f
		}
	}
	return from, true
}

func (m *Manager) tryGrant(req acquireRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	g, exists := m.grants[req.LockID]
	if exists && g.expired(now) {
		delete(m.grants, req.LockID)
		exists = false
	}

	if !exists {
		m.grants[req.LockID] = &grant{
			mode:      req.Mode,
			holders:   map[string]time.Time{req.Holder: now.Add(req.Lease)},
			expiresAt: now.Add(req.Lease),
		}
		return true
	}

	if _, already := g.holders[req.Holder]; already {
		g.holders[req.Holder] = now.Add(req.Lease)
		g.expiresAt = now.Add(req.Lease)
		return true
	}

	if g.mode == ModeRead && req.Mode == ModeRead {
		g.holders[req.Holder] = now.Add(req.Lease)
		if exp := now.Add(req.Lease); exp.After(g.expiresAt) {
			g.expiresAt = exp
		}
		return true
	}

	return false
}

func (m *Manager) release(lockID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[lockID]
	if !ok {
		return
	}
	delete(g.holders, holder)
	if len(g.holders) == 0 {
		delete(m.grants, lockID)
	}
}

// quorumSize returns ceil(fraction * len(replicas)), at least 1.
func quorumSize(fraction float64, replicas int) int {
	n := int(math.Ceil(fraction * float64(replicas)))
	if n < 1 {
		n = 1
	}
	return n
}

// AcquireWrite requests an exclusive lock on lockID, held by holder, across
// lockID's replica set (per the ring's consistent-hash routing). It succeeds
// once wquorum*len(replicas) replicas grant it.
func (m *Manager) AcquireWrite(lockID, holder string, timeout time.Duration) error {
	return m.acquire(lockID, holder, ModeWrite, m.cfg.WQuorum, timeout)
}

// AcquireRead requests a shared lock on lockID, succeeding once
// rquorum*len(replicas) replicas grant it.
func (m *Manager) AcquireRead(lockID, holder string, timeout time.Duration) error {
	return m.acquire(lockID, holder, ModeRead, m.cfg.RQuorum, timeout)
}

// acquire fans a call out to every replica in lockID's replica set and
// counts grants against the quorum size.
func (m *Manager) acquire(lockID, holder string, md Mode, fraction float64, timeout time.Duration) error {
	replicas := m.ring.Find(lockID)
	if len(replicas) == 0 {
		return fmt.Errorf("dlm: no replicas known for lock %q", lockID)
	}
	need := quorumSize(fraction, len(replicas))
	name := m.gs.ID()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		lastErr error
	)
	for _, target := range replicas {
		wg.Add(1)
		go func(target node.Node) {
			defer wg.Done()
			raw, err := m.gs.Call(target, name, "acquire", acquireRequest{
				LockID: lockID, Holder: holder, Mode: md, Lease: m.cfg.LeaseDuration,
			}, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			var resp struct {
				Event string          `json:"event"`
				Data  acquireResponse `json:"data"`
			}
			if err := json.Unmarshal(raw, &resp); err == nil && resp.Data.Granted {
				granted++
			}
		}(target)
	}
	wg.Wait()

	if granted >= need {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("dlm: quorum not reached for %q (%d/%d granted, last error: %w)", lockID, granted, need, lastErr)
	}
	return fmt.Errorf("dlm: quorum not reached for %q (%d/%d granted)", lockID, granted, need)
}

// Release broadcasts a release for lockID/holder to its replica set.
// Best-effort: expired leases self-heal grants even if some replicas never
// see the release.
func (m *Manager) Release(lockID, holder string) error {
	replicas := m.ring.Find(lockID)
	return m.gs.Abcast(replicas, m.gs.ID(), "release", releaseRequest{LockID: lockID, Holder: holder})
}

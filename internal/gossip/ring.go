// Package gossip implements GossipRing: the membership and key-routing
// subsystem that maintains a consistent hash ring and a vector clock,
// propagates membership deltas by anti-entropy gossip, resolves conflicts
// by last-write-wins, and persists state to a local snapshot file.
//
// A Ring is itself a GenServer: it registers at the ring id on the
// NetKernel and reassembles its own join/update/leave messages through
// genserver's stream machinery rather than a bespoke handler.
package gossip

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"clusterkit/internal/chash"
	"clusterkit/internal/emitter"
	"clusterkit/internal/genserver"
	"clusterkit/internal/membership"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
	"clusterkit/internal/vclock"
)

// Config configures a Ring's replication and timing parameters.
type Config struct {
	RFactor       int // default 3
	PFactor       int // default 2
	Interval      time.Duration
	FlushInterval time.Duration
	FlushPath     string
	VClockOpts    vclock.TrimOpts
}

func (c Config) withDefaults() Config {
	if c.RFactor <= 0 {
		c.RFactor = 3
	}
	if c.PFactor <= 0 {
		c.PFactor = 2
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if (c.VClockOpts == vclock.TrimOpts{}) {
		c.VClockOpts = vclock.DefaultTrimOpts()
	}
	return c
}

// ringUpdate is the payload carried by join/update/leave gossip messages.
type ringUpdate struct {
	Actor  string        `json:"actor"`
	Ring   *chash.CHash  `json:"data"`
	VClock *vclock.Clock `json:"vclock"`
	Round  int           `json:"round"`
}

// Ring is a GossipRing instance bound to one NetKernel.
type Ring struct {
	self   node.Node
	kernel *netkernel.NetKernel
	gs     *genserver.GenServer
	cfg    Config
	peers  *membership.Table
	events *emitter.Emitter

	mu     sync.Mutex
	ringID string
	actor  string
	chash  *chash.CHash
	vclock *vclock.Clock

	gossipTicker *time.Ticker
	flushTicker  *time.Ticker
	tickerStop   chan struct{}
}

// New constructs a Ring for self, atop kernel, with an empty ring and clock.
func New(self node.Node, kernel *netkernel.NetKernel, cfg Config) *Ring {
	cfg = cfg.withDefaults()
	c := chash.New(cfg.RFactor, cfg.PFactor)
	c.Insert(self)
	return &Ring{
		self:   self,
		kernel: kernel,
		gs:     genserver.New(kernel, 0),
		cfg:    cfg,
		peers:  membership.NewTable(),
		events: emitter.New(),
		chash:  c,
		vclock: vclock.New(),
	}
}

// On subscribes cb to a GossipRing signal (ready, process, conflict, leave,
// close, stop, skip, ...).
func (r *Ring) On(signal string, cb func(args ...any)) {
	r.events.On(signal, cb)
}

// Self returns the node identity the ring was constructed with.
func (r *Ring) Self() node.Node { return r.self }

// RingID returns the handler name the ring is registered under, once started.
func (r *Ring) RingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringID
}

// Chash returns a point-in-time clone of the membership ring.
func (r *Ring) Chash() *chash.CHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chash.Clone()
}

// VClock returns a point-in-time copy of the vector clock.
func (r *Ring) VClock() *vclock.Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vclock.Copy()
}

// Find returns the replica set [primary, successor-1, successor-2, ...] for
// key, used by consumers such as the DLM to compute quorum targets.
func (r *Ring) Find(key string) []node.Node {
	r.mu.Lock()
	c := r.chash
	r.mu.Unlock()
	return c.FindReplicas(key)
}

// PeerTable returns the ring's membership.Table, shared with a
// membership.Detector so probe results and ring reconciliation observe the
// same peer liveness records.
func (r *Ring) PeerTable() *membership.Table {
	return r.peers
}

// Peers returns a liveness snapshot for every peer currently tracked (added
// when the ring connects to it, dropped when it leaves the ring), for
// admin/introspection surfaces.
func (r *Ring) Peers() []map[string]any {
	out := make([]map[string]any, 0)
	for _, ps := range r.peers.All() {
		out = append(out, ps.Info())
	}
	return out
}

// Start registers the ring's GenServer at ringID, arms the gossip and
// disk-flush timers, and emits "ready".
func (r *Ring) Start(ringID string) error {
	r.mu.Lock()
	r.ringID = ringID
	r.mu.Unlock()

	if err := r.gs.Start(ringID); err != nil {
		return err
	}
	r.gs.On("join", r.onJoinMsg)
	r.gs.On("update", r.onUpdateMsg)
	r.gs.On("leave", r.onLeaveMsg)

	r.startTimers()
	r.events.Emit("ready")
	return nil
}

func (r *Ring) startTimers() {
	r.mu.Lock()
	if r.tickerStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.tickerStop = stop
	r.gossipTicker = time.NewTicker(r.cfg.Interval)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)
	gossipC := r.gossipTicker.C
	flushC := r.flushTicker.C
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-gossipC:
				r.poll()
			case <-flushC:
				r.flushToDisk()
			case <-stop:
				return
			}
		}
	}()
}

func (r *Ring) stopTimers() {
	r.mu.Lock()
	if r.tickerStop == nil {
		r.mu.Unlock()
		return
	}
	close(r.tickerStop)
	r.tickerStop = nil
	if r.gossipTicker != nil {
		r.gossipTicker.Stop()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	r.mu.Unlock()
}

// Stop stops timers, triggers Leave(force), and emits "stop" once "close"
// fires.
func (r *Ring) Stop(force bool) {
	r.events.Once("close", func(args ...any) { r.events.Emit("stop") })
	r.Leave(force)
}

// Pause stops the timers and unregisters the handler (inbound gossip is
// dropped silently while paused).
func (r *Ring) Pause() {
	r.stopTimers()
	r.gs.Pause()
}

// Resume re-registers the handler and restarts the timers.
func (r *Ring) Resume() error {
	if err := r.gs.Resume(); err != nil {
		return err
	}
	r.startTimers()
	return nil
}

// poll is the periodic gossip tick: trims the vclock and gossips one round.
func (r *Ring) poll() {
	r.mu.Lock()
	if r.actor == "" {
		r.mu.Unlock()
		return
	}
	r.vclock.Trim(r.cfg.VClockOpts, time.Now().UnixMicro())
	r.mu.Unlock()
	r.sendRing(1)
}

// runOrDefer applies apply immediately if the ring's GenServer is idle or
// force is set; otherwise it re-invokes apply the next time the GenServer
// goes idle.
func (r *Ring) runOrDefer(force bool, apply func()) {
	if force || r.gs.Idle() {
		apply()
		return
	}
	r.gs.Once("idle", func(args ...any) { apply() })
}

// mutateRing applies mutate under lock, mints a fresh actor, bumps the
// vclock under that actor, reconciles peer connections against the diff,
// re-gossips at maxMsgRound, and emits "process".
func (r *Ring) mutateRing(mutate func(c *chash.CHash)) {
	r.mu.Lock()
	oldRing := r.chash.Clone()
	mutate(r.chash)
	actor := uuid.NewString()
	r.actor = actor
	r.vclock.Increment(actor, time.Now().UnixMicro())
	newRing := r.chash.Clone()
	size := r.chash.Size()
	r.mu.Unlock()

	r.reconcileConnections(oldRing, newRing)
	r.sendRing(maxMsgRound(size, r.cfg.RFactor))
	r.events.Emit("process", oldRing, newRing)
}

func (r *Ring) reconcileConnections(oldRing, newRing *chash.CHash) {
	oldNodes := map[string]node.Node{}
	for _, n := range oldRing.AllNodes() {
		oldNodes[n.ID] = n
	}
	newNodes := map[string]node.Node{}
	for _, n := range newRing.AllNodes() {
		newNodes[n.ID] = n
	}
	for id, n := range newNodes {
		if _, existed := oldNodes[id]; !existed && !n.Equal(r.self) {
			r.kernel.Connect(n, nil)
			r.peers.Ensure(n)
		}
	}
	for id, n := range oldNodes {
		if _, still := newNodes[id]; !still {
			r.kernel.Disconnect(n)
			r.peers.Remove(id)
		}
	}
}

// sendRing gossips the current ring/vclock at round n to two random peers.
// A no-op if n is 0 or the ring holds only self.
func (r *Ring) sendRing(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	size := r.chash.Size()
	if size <= 1 {
		r.mu.Unlock()
		return
	}
	ringCopy := r.chash.Clone()
	vclockCopy := r.vclock.Copy()
	actor := r.actor
	ringID := r.ringID
	r.mu.Unlock()

	for _, target := range r.pickRandomPeers(ringCopy, 2) {
		_ = r.gs.Cast(target, ringID, "update", ringUpdate{
			Actor: actor, Ring: ringCopy, VClock: vclockCopy, Round: n - 1,
		})
	}
}

func (r *Ring) pickRandomPeers(ring *chash.CHash, n int) []node.Node {
	all := ring.AllNodes()
	candidates := make([]node.Node, 0, len(all))
	for _, nd := range all {
		if !nd.Equal(r.self) {
			candidates = append(candidates, nd)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// maxMsgRound is ceil(log2(size/rfactor)) for size > rfactor, 1 for
// size == rfactor, 0 otherwise (including an empty ring).
func maxMsgRound(size, rfactor int) int {
	switch {
	case size == 0:
		return 0
	case size == rfactor:
		return 1
	case size > rfactor:
		return int(math.Ceil(math.Log2(float64(size) / float64(rfactor))))
	default:
		return 0
	}
}

// flushToDisk writes {ring, actor, chash, vclock} to the configured path.
// Errors are logged, not surfaced.
func (r *Ring) flushToDisk() {
	if r.cfg.FlushPath == "" {
		return
	}
	snap, err := r.snapshot()
	if err != nil {
		fmt.Printf("gossip: encode snapshot: %v\n", err)
		return
	}
	if err := atomicWriteFile(r.cfg.FlushPath, snap); err != nil {
		fmt.Printf("gossip: flush %s: %v\n", r.cfg.FlushPath, err)
	}
}

type snapshot struct {
	Ring   string        `json:"ring"`
	Actor  string        `json:"actor"`
	CHash  *chash.CHash  `json:"chash"`
	VClock *vclock.Clock `json:"vclock"`
}

func (r *Ring) snapshot() ([]byte, error) {
	r.mu.Lock()
	snap := snapshot{Ring: r.ringID, Actor: r.actor, CHash: r.chash.Clone(), VClock: r.vclock.Copy()}
	r.mu.Unlock()
	return json.Marshal(snap)
}

package membership

import (
	"math/rand"
	"sync"
	"time"

	"clusterkit/internal/genserver"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
)

// DetectorConfig tunes the failure detector's probe cadence and patience.
type DetectorConfig struct {
	ProbeInterval   time.Duration // default 1s
	ProbeTimeout    time.Duration // default 500ms
	FailAfterMisses int           // consecutive failed probes before MarkFailed; default 3
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.FailAfterMisses <= 0 {
		c.FailAfterMisses = 3
	}
	return c
}

// Detector is a direct-probe failure detector: it periodically pings one
// peer from Table using a dedicated GenServer's call/reply round trip, and
// escalates a peer through Alive -> Suspected -> Failed as probes keep
// missing. Probes ride the same transport, HMAC and framing as every other
// message in the cluster rather than a second, unauthenticated protocol.
type Detector struct {
	table *Table
	gs    *genserver.GenServer
	cfg   DetectorConfig
	self  node.Node

	mu     sync.Mutex
	misses map[string]int
	stop   chan struct{}
	onFail func(node.Node)
}

// NewDetector binds a Detector to gs (a dedicated GenServer, not shared with
// application handlers) and table. onFail, if non-nil, is invoked once a
// peer is marked Failed (the natural place to hook in a GossipRing.Remove).
func NewDetector(self node.Node, gs *genserver.GenServer, table *Table, cfg DetectorConfig, onFail func(node.Node)) *Detector {
	d := &Detector{
		table:  table,
		gs:     gs,
		cfg:    cfg.withDefaults(),
		self:   self,
		misses: make(map[string]int),
		onFail: onFail,
	}
	gs.On("ping", d.onPing)
	return d
}

// Start registers the detector's GenServer at name and begins probing.
func (d *Detector) Start(name string) error {
	if err := d.gs.Start(name); err != nil {
		return err
	}
	d.stop = make(chan struct{})
	go d.loop()
	return nil
}

// Stop halts the probe loop and unregisters the GenServer.
func (d *Detector) Stop() {
	if d.stop != nil {
		close(d.stop)
	}
	d.gs.Stop(false)
}

func (d *Detector) onPing(args ...any) {
	if len(args) < 2 {
		return
	}
	// Reply unconditionally: any node that can still run handleEnvelope for
	// this GenServer is, by definition, alive enough to answer.
	if from, ok := args[1].(netkernel.ReplyAddr); ok {
		_ = d.gs.Reply(from, "pong", nil)
	}
}

func (d *Detector) loop() {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.probeOne()
		case <-d.stop:
			return
		}
	}
}

func (d *Detector) probeOne() {
	candidates := d.table.All()
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]
	if target.Node().Equal(d.self) {
		return
	}

	name := d.gs.ID()
	_, err := d.gs.Call(target.Node(), name, "ping", nil, d.cfg.ProbeTimeout)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := target.Node().ID
	if err == nil {
		delete(d.misses, id)
		target.Heartbeat()
		return
	}

	d.misses[id]++
	if d.misses[id] == 1 {
		target.Suspect()
		return
	}
	if d.misses[id] >= d.cfg.FailAfterMisses {
		target.MarkFailed()
		delete(d.misses, id)
		if d.onFail != nil {
			d.onFail(target.Node())
		}
	}
}

package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"clusterkit/internal/chash"
	"clusterkit/internal/node"
	"clusterkit/internal/vclock"
)

// Meet sends a one-shot join message to seed without incrementing the local
// vclock: the joining node's later receive of the seed's gossip must not
// cancel out the seed's own bump under its actor.
func (r *Ring) Meet(seed node.Node) {
	r.mu.Lock()
	if r.chash.IsDefined(seed) {
		r.mu.Unlock()
		return
	}
	ringCopy := r.chash.Clone()
	vclockCopy := r.vclock.Copy()
	ringID := r.ringID
	r.mu.Unlock()

	actor := uuid.NewString()
	r.kernel.Connect(seed, nil)
	r.peers.Ensure(seed)
	_ = r.gs.Cast(seed, ringID, "join", ringUpdate{
		Actor: actor, Ring: ringCopy, VClock: vclockCopy, Round: 0,
	})
}

// Insert adds n to the ring, applying immediately if idle (or forced), or
// deferring to the next idle signal otherwise.
func (r *Ring) Insert(n node.Node, force bool) {
	r.mu.Lock()
	already := r.chash.IsDefined(n)
	r.mu.Unlock()
	if already {
		return
	}
	r.runOrDefer(force, func() { r.mutateRing(func(c *chash.CHash) { c.Insert(n) }) })
}

// Minsert inserts every node in ns in a single ring mutation.
func (r *Ring) Minsert(ns []node.Node, force bool) {
	r.mu.Lock()
	pending := make([]node.Node, 0, len(ns))
	for _, n := range ns {
		if !r.chash.IsDefined(n) {
			pending = append(pending, n)
		}
	}
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	r.runOrDefer(force, func() {
		r.mutateRing(func(c *chash.CHash) {
			for _, n := range pending {
				c.Insert(n)
			}
		})
	})
}

// Remove drops n from the ring.
func (r *Ring) Remove(n node.Node, force bool) {
	r.mu.Lock()
	defined := r.chash.IsDefined(n)
	r.mu.Unlock()
	if !defined {
		return
	}
	r.runOrDefer(force, func() { r.mutateRing(func(c *chash.CHash) { c.Remove(n) }) })
}

// Mremove removes every node in ns in a single ring mutation.
func (r *Ring) Mremove(ns []node.Node, force bool) {
	r.mu.Lock()
	pending := make([]node.Node, 0, len(ns))
	for _, n := range ns {
		if r.chash.IsDefined(n) {
			pending = append(pending, n)
		}
	}
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	r.runOrDefer(force, func() {
		r.mutateRing(func(c *chash.CHash) {
			for _, n := range pending {
				c.Remove(n)
			}
		})
	})
}

// Leave stops the gossip/flush timers and removes self from the cluster.
// If the ring would collapse to only self's own virtual points, there is
// nobody left to tell, so it emits leave/close immediately; otherwise it
// broadcasts a leave message to two random peers once idle (or forced).
func (r *Ring) Leave(force bool) {
	r.stopTimers()

	r.mu.Lock()
	size := r.chash.Size()
	r.mu.Unlock()
	if size <= 1 {
		r.events.Emit("leave", r.Chash())
		r.events.Emit("close")
		return
	}

	r.runOrDefer(force, func() {
		r.mu.Lock()
		sendable := r.chash.Clone()
		sendable.Remove(r.self)
		ringID := r.ringID
		actor := uuid.NewString()
		r.mu.Unlock()

		targets := r.pickRandomPeers(sendable, 2)

		r.mu.Lock()
		selfOnly := chash.New(r.cfg.RFactor, r.cfg.PFactor)
		selfOnly.Insert(r.self)
		r.chash = selfOnly
		freshClock := vclock.New()
		freshClock.Increment(actor, time.Now().UnixMicro())
		r.vclock = freshClock
		r.actor = actor
		newRing := r.chash.Clone()
		r.mu.Unlock()

		for _, target := range targets {
			_ = r.gs.Cast(target, ringID, "leave", ringUpdate{
				Actor: actor, Ring: sendable, VClock: freshClock.Copy(), Round: 0,
			})
		}

		r.events.Emit("leave", newRing)
		r.events.Emit("close")
	})
}

// onJoinMsg, onUpdateMsg and onLeaveMsg all drive incoming ring deltas
// through the same merge/adopt/reconcile/re-broadcast path; only the
// message type and the re-broadcast round differ.
func (r *Ring) onJoinMsg(args ...any)   { r.updateRing("join", args...) }
func (r *Ring) onUpdateMsg(args ...any) { r.updateRing("update", args...) }
func (r *Ring) onLeaveMsg(args ...any)  { r.updateRing("leave", args...) }

func (r *Ring) updateRing(msgType string, args ...any) {
	if len(args) == 0 {
		return
	}
	raw, ok := args[0].(json.RawMessage)
	if !ok {
		return
	}
	var in ringUpdate
	if err := json.Unmarshal(raw, &in); err != nil || in.Ring == nil || in.VClock == nil {
		return
	}

	r.mu.Lock()
	oldRing := r.chash.Clone()
	mergedRing, mergedClock, conflicted := mergeRings(msgType, oldRing, r.vclock, in.Ring, in.VClock)
	r.chash = mergedRing
	r.vclock = mergedClock
	// The incoming actor is adopted unconditionally, even on a keep-local
	// branch: this is what lets repeated gossip of the same stale state
	// keep converging under LWW instead of stalling.
	r.vclock.Increment(in.Actor, time.Now().UnixMicro())
	r.actor = in.Actor
	newRing := r.chash.Clone()
	r.mu.Unlock()

	if conflicted {
		r.events.Emit("conflict", newRing, r.VClock())
	}

	r.reconcileConnections(oldRing, newRing)

	changed := !sameMembership(oldRing, newRing)
	if changed {
		r.events.Emit("process", oldRing, newRing)
	}

	switch msgType {
	case "join":
		r.sendRing(maxMsgRound(newRing.Size(), r.cfg.RFactor))
	default:
		r.sendRing(in.Round)
	}
}

// mergeRings implements GossipRing's conflict-resolution branch:
//   - join: union, no conflict possible.
//   - remote descends local: adopt remote wholesale.
//   - local descends remote: keep local, no change.
//   - concurrent: last-write-wins by max-insert timestamp; ties favor local.
func mergeRings(msgType string, localRing *chash.CHash, localClock *vclock.Clock, remoteRing *chash.CHash, remoteClock *vclock.Clock) (*chash.CHash, *vclock.Clock, bool) {
	if msgType == "join" {
		merged := localRing.Clone()
		for _, n := range remoteRing.AllNodes() {
			if !merged.IsDefined(n) {
				merged.Insert(n)
			}
		}
		return merged, vclock.Merge(localClock, remoteClock), false
	}

	if remoteClock.Descends(localClock) {
		return remoteRing.Clone(), remoteClock.Copy(), false
	}
	if localClock.Descends(remoteClock) {
		return localRing.Clone(), localClock.Copy(), false
	}

	winner := LWW(localRing, localClock, remoteRing, remoteClock)
	return winner.Clone(), vclock.Merge(localClock, remoteClock), true
}

// LWW picks the ring whose clock has the larger max insert timestamp across
// its actors. Ties favor r1.
func LWW(r1 *chash.CHash, c1 *vclock.Clock, r2 *chash.CHash, c2 *vclock.Clock) *chash.CHash {
	if c2.MaxInsert() > c1.MaxInsert() {
		return r2
	}
	return r1
}

func sameMembership(a, b *chash.CHash) bool {
	an, bn := a.AllNodes(), b.AllNodes()
	if len(an) != len(bn) {
		return false
	}
	seen := make(map[string]struct{}, len(an))
	for _, n := range an {
		seen[n.ID] = struct{}{}
	}
	for _, n := range bn {
		if _, ok := seen[n.ID]; !ok {
			return false
		}
	}
	return true
}

// Load replaces in-memory ring state from the configured flush path. A
// missing file is not an error; any other I/O or parse failure is fatal to
// the load.
func (r *Ring) Load() error {
	if r.cfg.FlushPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.cfg.FlushPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("gossip: load %s: %w", r.cfg.FlushPath, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("gossip: parse %s: %w", r.cfg.FlushPath, err)
	}

	r.mu.Lock()
	r.ringID = snap.Ring
	r.actor = snap.Actor
	if snap.CHash != nil {
		r.chash = snap.CHash
	}
	if snap.VClock != nil {
		r.vclock = snap.VClock
	}
	r.mu.Unlock()
	return nil
}

// atomicWriteFile writes data to path by writing a sibling temp file and
// renaming it into place, so a reader never observes a partial flush.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

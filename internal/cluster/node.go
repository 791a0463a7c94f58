// Package cluster provides ClusterNode, the thin facade binding a NetKernel
// and a GossipRing into one startable unit, so cmd/server only has to
// construct and wire one type.
package cluster

import (
	"fmt"

	"clusterkit/internal/gossip"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
)

// Config bundles the NetKernel start options and the GossipRing config
// needed to bring up a node.
type Config struct {
	Kernel netkernel.Options
	Ring   gossip.Config
}

// ClusterNode owns a NetKernel and a GossipRing for one process.
type ClusterNode struct {
	Self   node.Node
	Kernel *netkernel.NetKernel
	Ring   *gossip.Ring

	cfg Config
}

// New constructs a ClusterNode for self. The kernel and ring are created but
// not started.
func New(self node.Node, cfg Config) *ClusterNode {
	k := netkernel.New(self)
	return &ClusterNode{
		Self:   self,
		Kernel: k,
		Ring:   gossip.New(self, k, cfg.Ring),
		cfg:    cfg,
	}
}

// Load asks the ring to load its snapshot from disk (if configured), then
// connects to every node the snapshot already knew about.
func (c *ClusterNode) Load() error {
	if err := c.Ring.Load(); err != nil {
		return err
	}
	for _, n := range c.Ring.Chash().AllNodes() {
		if !n.Equal(c.Self) {
			c.Kernel.Connect(n, nil)
		}
	}
	return nil
}

// Start sets the kernel cookie, binds the listening socket, and starts the
// ring under ringID. cb (if non-nil) fires once the ring emits "ready". It
// fails synchronously if a loaded ring's id disagrees with ringID.
func (c *ClusterNode) Start(cookie, ringID string, cb func()) error {
	if loaded := c.Ring.RingID(); loaded != "" && loaded != ringID {
		return fmt.Errorf("cluster: loaded ring id %q does not match requested ring id %q", loaded, ringID)
	}
	if cookie != "" {
		c.Kernel.Cookie(cookie)
	}
	if err := c.Kernel.Start(c.cfg.Kernel); err != nil {
		return err
	}
	if cb != nil {
		c.Ring.On("ready", func(args ...any) { cb() })
	}
	return c.Ring.Start(ringID)
}

// Meet joins the cluster through seed.
func (c *ClusterNode) Meet(seed node.Node) {
	c.Ring.Meet(seed)
}

// Stop tears the ring down (broadcasting a leave) and closes the kernel.
func (c *ClusterNode) Stop(force bool) {
	c.Ring.Stop(force)
	_ = c.Kernel.Stop()
}

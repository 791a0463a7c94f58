// Package api exposes a read-only admin/introspection surface over a
// ClusterNode: node identity, ring membership, vector clock, and peer
// liveness. It issues no cluster operations of its own. Every mutating
// action (meet, insert, remove) is a direct ClusterNode/Ring call made by
// whatever owns the process, not something exposed over HTTP here.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clusterkit/internal/cluster"
)

// Handler serves read-only introspection routes for one ClusterNode.
type Handler struct {
	node *cluster.ClusterNode
}

// NewHandler binds a Handler to node.
func NewHandler(node *cluster.ClusterNode) *Handler {
	return &Handler{node: node}
}

// Routes registers the handler's routes onto engine.
func (h *Handler) Routes(engine *gin.Engine) {
	engine.GET("/status", h.GetStatus)
	engine.GET("/ring", h.GetRing)
	engine.GET("/vclock", h.GetVClock)
	engine.GET("/peers", h.GetPeers)
}

// GetStatus reports this node's identity and ring id.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":      h.node.Self,
		"ring_id":   h.node.Ring.RingID(),
		"connected": h.node.Kernel.IsConnected(h.node.Self),
		"timestamp": time.Now().Unix(),
	})
}

// GetRing reports the ring's current membership.
func (h *Handler) GetRing(c *gin.Context) {
	snap := h.node.Ring.Chash()
	c.JSON(http.StatusOK, gin.H{
		"size":  snap.Size(),
		"nodes": snap.AllNodes(),
	})
}

// GetVClock reports the ring's current vector clock.
func (h *Handler) GetVClock(c *gin.Context) {
	vc := h.node.Ring.VClock()
	raw, err := vc.ToJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// GetPeers reports locally observed peer liveness.
func (h *Handler) GetPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.node.Ring.Peers()})
}

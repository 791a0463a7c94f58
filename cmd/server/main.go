package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"clusterkit/internal/api"
	"clusterkit/internal/cluster"
	"clusterkit/internal/dlm"
	"clusterkit/internal/dtable"
	"clusterkit/internal/genserver"
	"clusterkit/internal/gossip"
	"clusterkit/internal/membership"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
)

func main() {
	nodeID := flag.String("node-id", "node-1", "Unique identifier for this node")
	host := flag.String("host", "localhost", "Host this node's NetKernel binds to")
	port := flag.Int("port", 9000, "Port this node's NetKernel binds to")
	adminPort := flag.Int("admin-port", 8080, "Port for the read-only admin/introspection HTTP API")
	ringID := flag.String("ring-id", "default-ring", "Cluster ring identifier")
	cookie := flag.String("cookie", "", "Shared HMAC cookie for peer envelopes (empty disables verification)")
	dataDir := flag.String("data-dir", "./data", "Directory for the ring snapshot and dtable's leveldb files")
	seedNode := flag.String("seed-node", "", "id@host:port of a seed node to meet on startup")
	flag.Parse()

	self := node.New(*nodeID, *host, uint16(*port))
	nodeDataDir := filepath.Join(*dataDir, *nodeID)
	if err := os.MkdirAll(nodeDataDir, 0o755); err != nil {
		log.Fatalf("clusterkit: create data dir: %v", err)
	}

	cn := cluster.New(self, cluster.Config{
		Kernel: netkernel.Options{Silent: false},
		Ring: gossip.Config{
			FlushPath: filepath.Join(nodeDataDir, "ring.json"),
		},
	})

	if err := cn.Load(); err != nil {
		log.Fatalf("clusterkit: load ring snapshot: %v", err)
	}

	ready := make(chan struct{})
	if err := cn.Start(*cookie, *ringID, func() { close(ready) }); err != nil {
		log.Fatalf("clusterkit: start: %v", err)
	}
	<-ready
	fmt.Printf("clusterkit: node %s ready on %s, ring %q\n", self.ID, self.Addr(), *ringID)

	if *seedNode != "" {
		seed, err := parseSeed(*seedNode)
		if err != nil {
			log.Fatalf("clusterkit: parse -seed-node: %v", err)
		}
		cn.Meet(seed)
		fmt.Printf("clusterkit: meeting seed %s\n", seed)
	}

	lockManager := dlm.New(genserver.New(cn.Kernel, 5*time.Second), cn.Ring, dlm.Config{})
	if err := lockManager.Start("dlm"); err != nil {
		log.Fatalf("clusterkit: start dlm: %v", err)
	}

	table, err := dtable.Open(genserver.New(cn.Kernel, 5*time.Second), cn.Ring, dtable.Config{
		DataDir: filepath.Join(nodeDataDir, "dtable"),
	})
	if err != nil {
		log.Fatalf("clusterkit: open dtable: %v", err)
	}
	if err := table.Start("dtable"); err != nil {
		log.Fatalf("clusterkit: start dtable: %v", err)
	}
	defer table.Close()

	detector := membership.NewDetector(self, genserver.New(cn.Kernel, time.Second), cn.Ring.PeerTable(), membership.DetectorConfig{}, func(n node.Node) {
		fmt.Printf("clusterkit: detector marked %s failed, removing from ring\n", n)
		cn.Ring.Remove(n, false)
	})
	if err := detector.Start("detector"); err != nil {
		log.Fatalf("clusterkit: start detector: %v", err)
	}
	defer detector.Stop()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewHandler(cn).Routes(engine)

	go func() {
		addr := fmt.Sprintf(":%d", *adminPort)
		fmt.Printf("clusterkit: admin API listening on %s\n", addr)
		if err := engine.Run(addr); err != nil {
			log.Printf("clusterkit: admin API stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("clusterkit: shutting down")
	cn.Stop(false)
}

func parseSeed(s string) (node.Node, error) {
	var id, hostport string
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			id, hostport = s[:i], s[i+1:]
			break
		}
	}
	if id == "" || hostport == "" {
		return node.Node{}, fmt.Errorf("expected id@host:port, got %q", s)
	}
	var host string
	var portStr string
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			host, portStr = hostport[:i], hostport[i+1:]
			break
		}
	}
	if host == "" || portStr == "" {
		return node.Node{}, fmt.Errorf("expected id@host:port, got %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return node.Node{}, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return node.New(id, host, uint16(port)), nil
}

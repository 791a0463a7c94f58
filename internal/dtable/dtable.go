// Package dtable is a disk-backed keyed store built as a consumer of the
// NetKernel/GenServer/GossipRing contract: a goleveldb KV store with write
// buffering (writeThreshold), periodic autosave and fsync, replicating puts
// and deletes across each key's replica set. It carries no causality
// metadata of its own; that concern belongs to whichever GossipRing actor
// owns the write path, not to the storage layer.
package dtable

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"clusterkit/internal/genserver"
	"clusterkit/internal/gossip"
	"clusterkit/internal/node"
)

func decodeEvent(args []any, v any) bool {
	if len(args) == 0 {
		return false
	}
	raw, ok := args[0].(json.RawMessage)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// Config tunes the store's durability cadence.
type Config struct {
	DataDir          string
	WriteThreshold   int           // default 100
	AutoSaveInterval time.Duration // default 180s
	FsyncInterval    time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.WriteThreshold <= 0 {
		c.WriteThreshold = 100
	}
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = 180 * time.Second
	}
	if c.FsyncInterval <= 0 {
		c.FsyncInterval = time.Second
	}
	return c
}

type putMsg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type deleteMsg struct {
	Key string `json:"key"`
}

// Table is a goleveldb-backed keyed store replicated across a GossipRing's
// consistent-hash replica set for each key.
type Table struct {
	db   *leveldb.DB
	gs   *genserver.GenServer
	ring *gossip.Ring
	cfg  Config

	mu              sync.Mutex
	writesSincePoll int

	stop chan struct{}
}

// Open opens (or creates) the leveldb database at cfg.DataDir and binds a
// Table to gs/ring. A corrupted database is first recovered in place; if
// recovery also fails, the directory is wiped and a fresh database created.
func Open(gs *genserver.GenServer, ring *gossip.Ring, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	db, err := openOrRecover(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	t := &Table{db: db, gs: gs, ring: ring, cfg: cfg}
	gs.On("put", t.onRemotePut)
	gs.On("delete", t.onRemoteDelete)
	return t, nil
}

func openOrRecover(dataDir string) (*leveldb.DB, error) {
	opts := &opt.Options{WriteBuffer: 64 * 1024 * 1024}
	db, err := leveldb.OpenFile(dataDir, opts)
	if err == nil {
		return db, nil
	}
	if leveldberrors.IsCorrupted(err) {
		fmt.Printf("dtable: database corrupted, attempting recovery: %v\n", err)
		db, err = leveldb.RecoverFile(dataDir, opts)
	}
	if err == nil {
		return db, nil
	}
	fmt.Printf("dtable: could not open/recover database, creating fresh: %v\n", err)
	if err := os.RemoveAll(dataDir); err != nil {
		return nil, fmt.Errorf("dtable: clear %s: %w", dataDir, err)
	}
	db, err = leveldb.OpenFile(dataDir, opts)
	if err != nil {
		return nil, fmt.Errorf("dtable: create fresh database at %s: %w", dataDir, err)
	}
	return db, nil
}

// Start registers the Table's GenServer at name and begins the
// autosave/fsync ticker loop.
func (t *Table) Start(name string) error {
	if err := t.gs.Start(name); err != nil {
		return err
	}
	t.stop = make(chan struct{})
	go t.tickerLoop()
	return nil
}

// Close stops the ticker loop and closes the database.
func (t *Table) Close() error {
	if t.stop != nil {
		close(t.stop)
	}
	return t.db.Close()
}

func (t *Table) tickerLoop() {
	autosave := time.NewTicker(t.cfg.AutoSaveInterval)
	fsync := time.NewTicker(t.cfg.FsyncInterval)
	defer autosave.Stop()
	defer fsync.Stop()
	for {
		select {
		case <-autosave.C:
			t.autosave()
		case <-fsync.C:
			t.maybeFsync()
		case <-t.stop:
			return
		}
	}
}

// autosave logs the table's current anti-entropy digest, the same point a
// consumer would use to compare against a peer's digest (see MerkleRoot).
func (t *Table) autosave() {
	root, err := t.MerkleRoot()
	if err != nil {
		fmt.Printf("dtable: autosave digest: %v\n", err)
		return
	}
	fmt.Printf("dtable: autosave digest=%s\n", root)
}

// maybeFsync forces a synchronous marker write on any tick that follows at
// least one buffered write (writesSincePoll > 0), bounding how long buffered
// writes can stay unflushed between ticks.
func (t *Table) maybeFsync() {
	t.mu.Lock()
	pending := t.writesSincePoll
	t.writesSincePoll = 0
	t.mu.Unlock()
	if pending == 0 {
		return
	}
	if err := t.db.Put([]byte("\x00dtable-fsync-marker"), []byte(time.Now().Format(time.RFC3339Nano)), &opt.WriteOptions{Sync: true}); err != nil {
		fmt.Printf("dtable: fsync marker: %v\n", err)
	}
}

// Put writes key/value locally and fires a best-effort replication cast to
// every other replica in key's replica set.
func (t *Table) Put(key, value string) error {
	if err := t.writeLocal(key, value); err != nil {
		return err
	}
	t.replicate("put", key, putMsg{Key: key, Value: value})
	return nil
}

func (t *Table) writeLocal(key, value string) error {
	sync := t.bumpWriteCounter()
	return t.db.Put([]byte(key), []byte(value), &opt.WriteOptions{Sync: sync})
}

// bumpWriteCounter increments the pending-write counter and reports whether
// it has reached writeThreshold (triggering a synchronous write and
// resetting the counter).
func (t *Table) bumpWriteCounter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writesSincePoll++
	if t.writesSincePoll >= t.cfg.WriteThreshold {
		t.writesSincePoll = 0
		return true
	}
	return false
}

// Get reads key from the local replica only.
func (t *Table) Get(key string) (string, bool, error) {
	v, err := t.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return string(v), true, nil
}

// Delete removes key locally and replicates the delete.
func (t *Table) Delete(key string) error {
	if err := t.db.Delete([]byte(key), nil); err != nil {
		return err
	}
	t.replicate("delete", key, deleteMsg{Key: key})
	return nil
}

// replicate casts event to every replica of key except self, which already
// applied the write locally.
func (t *Table) replicate(event, key string, payload any) {
	self := t.ring.Self()
	var targets []node.Node
	for _, n := range t.ring.Find(key) {
		if !n.Equal(self) {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return
	}
	_ = t.gs.Abcast(targets, t.gs.ID(), event, payload)
}

func (t *Table) onRemotePut(args ...any) {
	var msg putMsg
	if !decodeEvent(args, &msg) {
		return
	}
	_ = t.writeLocal(msg.Key, msg.Value)
}

func (t *Table) onRemoteDelete(args ...any) {
	var msg deleteMsg
	if !decodeEvent(args, &msg) {
		return
	}
	_ = t.db.Delete([]byte(msg.Key), nil)
}

// ListKeys returns every key currently stored locally.
func (t *Table) ListKeys() ([]string, error) {
	iter := t.db.NewIterator(nil, nil)
	defer iter.Release()
	var keys []string
	for iter.Next() {
		k := string(iter.Key())
		if k == "\x00dtable-fsync-marker" {
			continue
		}
		keys = append(keys, k)
	}
	return keys, iter.Error()
}

package netkernel

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clusterkit/internal/emitter"
	"clusterkit/internal/node"
)

// HandlerFunc processes one inbound envelope addressed to the name it was
// registered under.
type HandlerFunc func(env Envelope)

// Options configures NetKernel.Start.
type Options struct {
	RetryInterval time.Duration // default 5s, see ConnOptions
	MaxRetries    int           // default unbounded
	TLSConfig     *tls.Config
	Silent        bool // suppress transport logging
}

// ReplyAddr is the return address captured from an inbound envelope, used to
// route a reply back to the original caller.
type ReplyAddr struct {
	Node node.Node
	Tag  string
}

// NetKernel owns the listening socket and every peer Connection for one
// cluster node. All mutations to its registries (handlers, sinks, sources,
// tags) are serialized behind one mutex.
type NetKernel struct {
	self   node.Node
	opts   Options
	cookie []byte

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sinks    map[string]*Connection
	sources  map[string]bool
	tags     map[string]*ReturnStream

	events *emitter.Emitter

	transport *transport
}

// New constructs a NetKernel identified by self. Call Start to bind the
// listening socket.
func New(self node.Node) *NetKernel {
	return &NetKernel{
		self:     self,
		handlers: make(map[string]HandlerFunc),
		sinks:    make(map[string]*Connection),
		sources:  make(map[string]bool),
		tags:     make(map[string]*ReturnStream),
		events:   emitter.New(),
	}
}

// Self returns the node identity this kernel was constructed with.
func (k *NetKernel) Self() node.Node { return k.self }

// On subscribes cb to signal. The kernel emits "ready" (after Start),
// "stopped" (after Stop) and "skip" (for a dropped inbound envelope).
func (k *NetKernel) On(signal string, cb func(args ...any)) {
	k.events.On(signal, cb)
}

// Cookie sets (or clears, with "") the shared HMAC secret applied to every
// outbound envelope and verified on every inbound one.
func (k *NetKernel) Cookie(secret string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if secret == "" {
		k.cookie = nil
		return
	}
	k.cookie = []byte(secret)
}

// Start binds the configured host:port, begins accepting peer connections,
// and emits "ready".
func (k *NetKernel) Start(opts Options) error {
	k.opts = opts
	t, err := newTransport(k)
	if err != nil {
		return err
	}
	k.transport = t
	if err := t.listen(); err != nil {
		return err
	}
	k.events.Emit("ready")
	return nil
}

// Stop closes the listener and every peer connection, clears the handler
// registry, and emits "stopped".
func (k *NetKernel) Stop() error {
	k.mu.Lock()
	conns := make([]*Connection, 0, len(k.sinks))
	for _, c := range k.sinks {
		conns = append(conns, c)
	}
	k.sinks = make(map[string]*Connection)
	k.sources = make(map[string]bool)
	k.handlers = make(map[string]HandlerFunc)
	k.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if k.transport != nil {
		_ = k.transport.close()
	}
	k.events.Emit("stopped")
	return nil
}

// RegisterHandler registers h at name. Fails if name is already taken.
func (k *NetKernel) RegisterHandler(name string, h HandlerFunc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.handlers[name]; exists {
		return fmt.Errorf("netkernel: handler %q already registered", name)
	}
	k.handlers[name] = h
	return nil
}

// UnregisterHandler removes the handler at name, if any.
func (k *NetKernel) UnregisterHandler(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.handlers, name)
}

// IsConnected is true for self or any node with a live outbound Connection.
func (k *NetKernel) IsConnected(n node.Node) bool {
	if n.Equal(k.self) {
		return true
	}
	k.mu.RLock()
	c, ok := k.sinks[n.ID]
	k.mu.RUnlock()
	return ok && c.isLive()
}

// Connection returns the sink Connection for n, or nil for self/unknown.
func (k *NetKernel) Connection(n node.Node) *Connection {
	if n.Equal(k.self) {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sinks[n.ID]
}

// Connect is idempotent: a no-op for self or an already-tracked peer. cb (if
// given) fires on first successful attach, or immediately if already live.
func (k *NetKernel) Connect(n node.Node, cb func()) {
	if n.Equal(k.self) {
		if cb != nil {
			cb()
		}
		return
	}

	k.mu.Lock()
	c, exists := k.sinks[n.ID]
	if exists {
		k.mu.Unlock()
		if cb != nil {
			c.addOnAttach(cb)
		}
		return
	}
	c = newConnection(n, ConnOptions{
		RetryInterval: k.opts.RetryInterval,
		MaxRetries:    k.opts.MaxRetries,
		TLSConfig:     k.opts.TLSConfig,
	})
	if cb != nil {
		c.onAttach = append(c.onAttach, cb)
	}
	k.sinks[n.ID] = c
	k.mu.Unlock()

	c.dial(k.self, func(err error) {
		if err != nil {
			return
		}
		c.mu.Lock()
		pending := c.onAttach
		c.onAttach = nil
		c.mu.Unlock()
		c.flush()
		for _, fn := range pending {
			fn()
		}
	})
}

// Disconnect removes n's Connection from sinks and tears down its socket.
func (k *NetKernel) Disconnect(n node.Node) {
	k.mu.Lock()
	c, ok := k.sinks[n.ID]
	delete(k.sinks, n.ID)
	k.mu.Unlock()
	if ok {
		c.close()
	}
}

// Cast sends data to handlerName on node as a fire-and-forget stream. A
// fresh stream-uuid is minted and the payload framed into chunks.
func (k *NetKernel) Cast(target node.Node, handlerName string, data Payload) error {
	return k.send(target, handlerName, nil, data)
}

// Abcast casts to every node in targets, one stream-uuid per recipient.
func (k *NetKernel) Abcast(targets []node.Node, handlerName string, data Payload) {
	for _, t := range targets {
		_ = k.Cast(t, handlerName, data)
	}
}

// deliver signs (if a cookie is set) and routes one envelope: directly into
// the local dispatch path for self, or onto target's Connection otherwise.
// Connect installs the Connection into sinks synchronously; the dial itself
// continues in the background, and the Connection buffers outbound envelopes
// until the socket attaches.
func (k *NetKernel) deliver(target node.Node, env Envelope) error {
	if target.Equal(k.self) {
		k.dispatchInbound(env)
		return nil
	}
	k.mu.RLock()
	cookie := k.cookie
	k.mu.RUnlock()
	if cookie != nil {
		sum, err := sign(cookie, env)
		if err != nil {
			return err
		}
		env.CheckSum = sum
	}
	conn := k.Connection(target)
	if conn == nil {
		k.Connect(target, nil)
		conn = k.Connection(target)
	}
	return conn.send(env)
}

// send frames data addressed to handlerName, tagging every envelope with
// tag (nil for cast). A byte buffer or string goes out as one envelope with
// Done=true; a chunked payload is framed chunk by chunk and closed with a
// trailing end-of-stream envelope, which carries the upstream producer's
// error descriptor if the chunk source failed.
func (k *NetKernel) send(target node.Node, handlerName string, tag *string, data Payload) error {
	streamID := uuid.NewString()

	if !data.chunked {
		return k.deliver(target, Envelope{
			ID:     handlerName,
			From:   k.self,
			Tag:    tag,
			Stream: StreamDesc{Stream: streamID, Done: true},
			Data:   dataOf(data.bytes),
		})
	}

	var sendErr error
	upstreamErr := data.iterate(func(chunk []byte) {
		if sendErr != nil {
			return
		}
		env := Envelope{
			ID:     handlerName,
			From:   k.self,
			Tag:    tag,
			Stream: StreamDesc{Stream: streamID, Done: false},
			Data:   dataOf(chunk),
		}
		sendErr = k.deliver(target, env)
	})
	if sendErr != nil {
		return sendErr
	}
	finalEnv := Envelope{
		ID:     handlerName,
		From:   k.self,
		Tag:    tag,
		Stream: StreamDesc{Stream: streamID, Done: true, Error: NewEncodedError(upstreamErr)},
	}
	return k.deliver(target, finalEnv)
}

// Call sends data to handlerName on node with a fresh return tag and returns
// the ReturnStream at once; the stream resolves when the reply completes,
// errors, or timeout elapses (timeout<=0 disables the timer). If cb is given
// it fires asynchronously once the stream resolves.
func (k *NetKernel) Call(target node.Node, handlerName string, data Payload, cb func(err error, data []byte), timeout time.Duration) *ReturnStream {
	tag := uuid.NewString()
	rs := newReturnStream()
	k.mu.Lock()
	k.tags[tag] = rs
	k.mu.Unlock()

	if err := k.send(target, handlerName, &tag, data); err != nil {
		rs.expire(err)
	}

	if timeout > 0 {
		go func() {
			time.Sleep(timeout)
			rs.expire(fmt.Errorf("netkernel: call timed out after %s", timeout))
		}()
	}

	go func() {
		b, err := rs.Wait(0)
		k.mu.Lock()
		delete(k.tags, tag)
		k.mu.Unlock()
		if cb != nil {
			cb(err, b)
		}
	}()
	return rs
}

// Multicall issues one Call per node in targets and, if cb is given, fires it
// once with the aggregated per-node buffers (in targets order) once all
// succeed, or with the first error encountered.
func (k *NetKernel) Multicall(targets []node.Node, handlerName string, data Payload, cb func(err error, results [][]byte), timeout time.Duration) []*ReturnStream {
	streams := make([]*ReturnStream, len(targets))
	for i, t := range targets {
		streams[i] = k.Call(t, handlerName, data, nil, timeout)
	}
	if cb != nil {
		go func() {
			results := make([][]byte, len(streams))
			for i, rs := range streams {
				b, err := rs.Wait(timeout)
				if err != nil {
					cb(err, nil)
					return
				}
				results[i] = b
			}
			cb(nil, results)
		}()
	}
	return streams
}

// Reply sends data back to addr.Node addressed to addr.Tag. Fails
// synchronously if addr.Tag is empty.
func (k *NetKernel) Reply(addr ReplyAddr, data Payload) error {
	if addr.Tag == "" {
		return fmt.Errorf("netkernel: reply without tag")
	}
	tag := addr.Tag
	return k.send(addr.Node, "", &tag, data)
}

// dispatchInbound routes a verified inbound envelope. A reply (minted by
// Reply, carrying no handler id) is routed by its tag to the matching
// ReturnStream; everything else, including a request envelope that also
// carries a tag as its return address, is routed by env.ID to the handler
// registry. Keying reply-routing on an empty ID (rather than "Tag is set")
// is what keeps a self-targeted call from being intercepted by its own
// just-registered tag before it ever reaches the handler.
func (k *NetKernel) dispatchInbound(env Envelope) {
	if env.ID == "" && env.Tag != nil {
		k.mu.RLock()
		rs, ok := k.tags[*env.Tag]
		k.mu.RUnlock()
		if ok {
			rs.receive(env.Bytes(), env.Stream.Done, env.Stream.Error)
		} else {
			k.events.Emit("skip", env)
		}
		return
	}

	k.mu.RLock()
	h, ok := k.handlers[env.ID]
	k.mu.RUnlock()
	if !ok {
		k.events.Emit("skip", env)
		return
	}
	h(env)
}

// receiveFromSocket is the transport's entry point for a frame read off a
// peer socket: it verifies HMAC (if a cookie is set) before dispatching.
func (k *NetKernel) receiveFromSocket(sourceID string, raw []byte) {
	k.mu.Lock()
	if !k.sources[sourceID] {
		k.sources[sourceID] = true
	}
	cookie := k.cookie
	k.mu.Unlock()

	var env Envelope
	if err := unmarshalEnvelope(raw, &env); err != nil {
		k.events.Emit("skip", raw)
		return
	}
	if cookie != nil {
		if err := verify(cookie, env); err != nil {
			k.events.Emit("skip", raw)
			return
		}
	}
	k.dispatchInbound(env)
}

// dropSource removes sourceID from the inbound-socket table iff the key is
// present; a second disconnect of the same id leaves sources unchanged.
func (k *NetKernel) dropSource(sourceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sources[sourceID] {
		delete(k.sources, sourceID)
	}
}

package netkernel

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clusterkit/internal/node"
	"clusterkit/internal/queue"
)

// ConnOptions configures retry and transport-security behaviour for
// outbound Connections.
type ConnOptions struct {
	RetryInterval time.Duration // default 5s
	MaxRetries    int           // 0 = unbounded
	TLSConfig     *tls.Config   // nil = plain ws
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	return o
}

// Connection is the NetKernel's view of one outbound peer socket: dial/retry
// state, a write mutex (gorilla/websocket requires a single writer goroutine
// per connection), and an outbound buffer used while disconnected.
type Connection struct {
	peer node.Node
	opts ConnOptions

	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	retries int

	outbound *queue.Queue[Envelope]

	onAttach []func()
}

func newConnection(peer node.Node, opts ConnOptions) *Connection {
	return &Connection{
		peer:     peer,
		opts:     opts.withDefaults(),
		outbound: queue.New[Envelope](),
	}
}

func (c *Connection) wsURL() string {
	scheme := "ws"
	if c.opts.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.peer.Addr(), Path: "/netkernel"}
	return u.String()
}

// dial attempts the socket connection in the background, retrying per opts,
// and invokes every registered onAttach callback after the first success.
func (c *Connection) dial(self node.Node, done func(error)) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		TLSClientConfig:  c.opts.TLSConfig,
	}
	go func() {
		attempt := 0
		for {
			ws, _, err := dialer.Dial(c.wsURL(), nil)
			if err == nil {
				c.mu.Lock()
				c.ws = ws
				c.mu.Unlock()
				done(nil)
				return
			}
			attempt++
			if c.opts.MaxRetries > 0 && attempt >= c.opts.MaxRetries {
				done(fmt.Errorf("netkernel: dial %s: %w (retries exhausted)", c.peer, err))
				return
			}
			time.Sleep(c.opts.RetryInterval)
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
		}
	}()
}

// attach installs an already-upgraded socket (used for inbound-initiated
// connections that NetKernel decides to also track as a sink).
func (c *Connection) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// addOnAttach registers cb to fire (or fires it immediately if the socket is
// already live) once this Connection attaches a socket.
func (c *Connection) addOnAttach(cb func()) {
	c.mu.Lock()
	live := c.ws != nil
	if !live {
		c.onAttach = append(c.onAttach, cb)
	}
	c.mu.Unlock()
	if live {
		cb()
	}
}

// send writes env to the socket if attached, otherwise buffers it for
// delivery on the next reconnect.
func (c *Connection) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		c.outbound.Enqueue(env)
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.ws = nil
		c.outbound.Enqueue(env)
		return nil
	}
	return nil
}

// flush drains whatever buffered envelopes built up while disconnected.
func (c *Connection) flush() {
	c.mu.Lock()
	pending := c.outbound.Flush()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	for _, env := range pending {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
}

// close tears down the socket and marks the connection unusable.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

func (c *Connection) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && !c.closed
}

// Package genserver implements the named, long-lived message handler that
// sits atop a NetKernel: it reassembles multi-chunk payloads into
// {event, data} messages, enforces a per-stream timeout, and exposes an
// emitter-style subscription surface to user code.
package genserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clusterkit/internal/emitter"
	"clusterkit/internal/netkernel"
	"clusterkit/internal/node"
)

const defaultStreamTimeout = 30 * time.Second

type pendingStream struct {
	buf   []byte
	timer *time.Timer
	from  netkernel.ReplyAddr
}

// wireMessage is the JSON payload every GenServer send carries.
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// GenServer is a named handler registered on a NetKernel.
type GenServer struct {
	kernel        *netkernel.NetKernel
	streamTimeout time.Duration
	events        *emitter.Emitter

	mu      sync.Mutex
	id      string
	paused  bool
	streams map[string]*pendingStream
}

// New binds a GenServer to kernel. streamTimeout <= 0 uses the default.
func New(kernel *netkernel.NetKernel, streamTimeout time.Duration) *GenServer {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	return &GenServer{
		kernel:        kernel,
		streamTimeout: streamTimeout,
		events:        emitter.New(),
		streams:       make(map[string]*pendingStream),
	}
}

// On subscribes cb to signal. User-defined event names and the lifecycle
// signals (ready, stop, pause, resume, idle) share the same namespace.
func (gs *GenServer) On(signal string, cb func(args ...any)) {
	gs.events.On(signal, cb)
}

// Once subscribes cb to fire at most once for signal; the subscription
// removes itself after firing.
func (gs *GenServer) Once(signal string, cb func(args ...any)) {
	gs.events.Once(signal, cb)
}

// ID returns the name this GenServer is currently registered under (empty
// if never started; after Stop it holds a freshly generated id).
func (gs *GenServer) ID() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.id
}

// Start registers the handler at name (or a generated id if name is empty).
// Fails if the kernel already has a listener at that name.
func (gs *GenServer) Start(name string) error {
	if name == "" {
		name = uuid.NewString()
	}
	if err := gs.kernel.RegisterHandler(name, gs.handleEnvelope); err != nil {
		return err
	}
	gs.mu.Lock()
	gs.id = name
	gs.paused = false
	gs.mu.Unlock()
	return nil
}

// Stop pauses the handler, emits "stop", clears all pending streams
// (cancelling their timers), and regenerates the instance's id.
func (gs *GenServer) Stop(force bool) {
	gs.pauseLocked()
	gs.events.Emit("stop")

	gs.mu.Lock()
	for _, s := range gs.streams {
		s.timer.Stop()
	}
	gs.streams = make(map[string]*pendingStream)
	gs.id = uuid.NewString()
	gs.mu.Unlock()
}

// Pause unregisters the handler; inbound chunks are dropped silently while
// paused.
func (gs *GenServer) Pause() {
	gs.pauseLocked()
	gs.events.Emit("pause")
}

func (gs *GenServer) pauseLocked() {
	gs.mu.Lock()
	name := gs.id
	gs.paused = true
	gs.mu.Unlock()
	if name != "" {
		gs.kernel.UnregisterHandler(name)
	}
}

// Resume re-registers the handler at its current id.
func (gs *GenServer) Resume() error {
	gs.mu.Lock()
	name := gs.id
	gs.mu.Unlock()
	if err := gs.kernel.RegisterHandler(name, gs.handleEnvelope); err != nil {
		return err
	}
	gs.mu.Lock()
	gs.paused = false
	gs.mu.Unlock()
	gs.events.Emit("resume")
	return nil
}

// Idle reports whether no stream is currently being reassembled.
func (gs *GenServer) Idle() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.streams) == 0
}

func encodeEventPayload(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Event: event, Data: raw})
}

// Cast sends {event, data} to name on target as a fire-and-forget message.
func (gs *GenServer) Cast(target node.Node, name, event string, data any) error {
	payload, err := encodeEventPayload(event, data)
	if err != nil {
		return err
	}
	return gs.kernel.Cast(target, name, netkernel.BytesPayload(payload))
}

// Abcast casts {event, data} to name on every node in targets.
func (gs *GenServer) Abcast(targets []node.Node, name, event string, data any) error {
	payload, err := encodeEventPayload(event, data)
	if err != nil {
		return err
	}
	gs.kernel.Abcast(targets, name, netkernel.BytesPayload(payload))
	return nil
}

// Call sends {event, data} to name on target and blocks for a reply.
func (gs *GenServer) Call(target node.Node, name, event string, data any, timeout time.Duration) ([]byte, error) {
	payload, err := encodeEventPayload(event, data)
	if err != nil {
		return nil, err
	}
	rs := gs.kernel.Call(target, name, netkernel.BytesPayload(payload), nil, timeout)
	return rs.Wait(timeout)
}

// Multicall sends {event, data} to name on every node in targets and blocks
// for every reply (or the first error).
func (gs *GenServer) Multicall(targets []node.Node, name, event string, data any, timeout time.Duration) ([][]byte, error) {
	payload, err := encodeEventPayload(event, data)
	if err != nil {
		return nil, err
	}
	streams := gs.kernel.Multicall(targets, name, netkernel.BytesPayload(payload), nil, timeout)
	out := make([][]byte, len(streams))
	for i, rs := range streams {
		b, err := rs.Wait(timeout)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Reply answers an inbound message addressed to from.
func (gs *GenServer) Reply(from netkernel.ReplyAddr, event string, data any) error {
	payload, err := encodeEventPayload(event, data)
	if err != nil {
		return err
	}
	return gs.kernel.Reply(from, netkernel.BytesPayload(payload))
}

// handleEnvelope is registered with the NetKernel and drives stream
// reassembly.
func (gs *GenServer) handleEnvelope(env netkernel.Envelope) {
	gs.mu.Lock()
	if gs.paused {
		gs.mu.Unlock()
		return
	}
	gs.mu.Unlock()

	from := netkernel.ReplyAddr{Node: env.From}
	if env.Tag != nil {
		from.Tag = *env.Tag
	}

	gs.mu.Lock()
	s, ok := gs.streams[env.Stream.Stream]
	if !ok && env.Stream.Done {
		gs.mu.Unlock()
		// Singleton fast path: the very first chunk is already the whole
		// message, so there is no reassembly state to build and no timeout
		// to arm. An errored single-chunk stream is discarded outright.
		if env.Stream.Error == nil {
			gs.deliver(env.Bytes(), from)
		}
		return
	}
	if !ok {
		s = &pendingStream{from: from}
		s.timer = time.AfterFunc(gs.streamTimeout, func() { gs.onStreamTimeout(env.Stream.Stream) })
		gs.streams[env.Stream.Stream] = s
	}
	gs.mu.Unlock()

	if env.Stream.Error != nil {
		gs.discardStream(env.Stream.Stream)
		return
	}

	s.buf = append(s.buf, env.Bytes()...)

	if env.Stream.Done {
		buf := s.buf
		gs.discardStream(env.Stream.Stream)
		gs.deliver(buf, from)
	}
}

func (gs *GenServer) deliver(buf []byte, from netkernel.ReplyAddr) {
	if len(buf) == 0 {
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return
	}
	gs.events.Emit(msg.Event, msg.Data, from)
}

func (gs *GenServer) discardStream(streamID string) {
	gs.mu.Lock()
	s, ok := gs.streams[streamID]
	if ok {
		s.timer.Stop()
		delete(gs.streams, streamID)
	}
	becameIdle := len(gs.streams) == 0
	gs.mu.Unlock()
	if ok && becameIdle {
		gs.events.Emit("idle")
	}
}

func (gs *GenServer) onStreamTimeout(streamID string) {
	gs.mu.Lock()
	s, ok := gs.streams[streamID]
	if !ok {
		gs.mu.Unlock()
		return
	}
	delete(gs.streams, streamID)
	becameIdle := len(gs.streams) == 0
	gs.mu.Unlock()

	if s.from.Tag != "" {
		timeoutErr := fmt.Errorf("genserver: stream %s timed out", streamID)
		empty := make(chan []byte)
		close(empty)
		_ = gs.kernel.Reply(s.from, netkernel.ChunkPayload(empty, func() error { return timeoutErr }))
	}
	if becameIdle {
		gs.events.Emit("idle")
	}
}

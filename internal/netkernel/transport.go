package netkernel

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func httpListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func unmarshalEnvelope(raw []byte, env *Envelope) error {
	return json.Unmarshal(raw, env)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// transport owns the listening HTTP server that upgrades inbound peer
// sockets to websocket connections, one reader goroutine per connection.
type transport struct {
	k   *NetKernel
	srv *http.Server
}

func newTransport(k *NetKernel) (*transport, error) {
	return &transport{k: k}, nil
}

func (t *transport) listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/netkernel", t.handlePeer)

	t.srv = &http.Server{
		Addr:      t.k.self.Addr(),
		Handler:   mux,
		TLSConfig: t.k.opts.TLSConfig,
	}

	ln, err := httpListen(t.srv.Addr)
	if err != nil {
		return fmt.Errorf("netkernel: listen %s: %w", t.srv.Addr, err)
	}

	go func() {
		var err error
		if t.k.opts.TLSConfig != nil {
			err = t.srv.ServeTLS(ln, "", "")
		} else {
			err = t.srv.Serve(ln)
		}
		if err != nil && !t.k.opts.Silent {
			log.Printf("netkernel: serve stopped: %v", err)
		}
	}()
	return nil
}

func (t *transport) handlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sourceID := uuid.NewString()
	go t.readPump(sourceID, ws)
}

func (t *transport) readPump(sourceID string, ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
		t.k.dropSource(sourceID)
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		t.k.receiveFromSocket(sourceID, raw)
	}
}

func (t *transport) close() error {
	if t.srv == nil {
		return nil
	}
	return t.srv.Close()
}

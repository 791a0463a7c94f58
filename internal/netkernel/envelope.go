// Package netkernel implements the per-node message router: it multiplexes
// framed, streamed envelopes over long-lived peer websocket connections,
// dispatches inbound envelopes to named in-process handlers, and exposes
// call/cast/multicall/abcast to user code.
//
// Peer sockets are websocket connections: a single *websocket.Conn frames
// each WriteMessage call as one discrete message and serializes writes from
// one goroutine, so envelopes arrive framed and in send order without a
// hand-rolled length-prefixed protocol.
package netkernel

import (
	"encoding/json"

	"clusterkit/internal/node"
)

// EncodedError is the wire form of an error carried on a stream descriptor or
// as a call failure.
type EncodedError struct {
	Message string `json:"message"`
	IsError bool   `json:"_error"`
	Stack   string `json:"stack,omitempty"`
}

func NewEncodedError(err error) *EncodedError {
	if err == nil {
		return nil
	}
	return &EncodedError{Message: err.Error(), IsError: true}
}

func (e *EncodedError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// StreamDesc is attached to every chunk of a logical message.
type StreamDesc struct {
	Stream string        `json:"stream"`
	Done   bool          `json:"done"`
	Error  *EncodedError `json:"error,omitempty"`
}

// bufferJSON mirrors the tagged-Buffer wire form: {"type":"Buffer","data":[...]}.
type bufferJSON struct {
	Data []byte
}

func (b bufferJSON) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b.Data))
	for i, by := range b.Data {
		ints[i] = int(by)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}{Type: "Buffer", Data: ints})
}

func (b *bufferJSON) UnmarshalJSON(data []byte) error {
	var w struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Data = make([]byte, len(w.Data))
	for i, v := range w.Data {
		b.Data[i] = byte(v)
	}
	return nil
}

// Envelope is the wire message exchanged between peers.
type Envelope struct {
	ID       string      `json:"id"`
	From     node.Node   `json:"from"`
	Tag      *string     `json:"tag"`
	Stream   StreamDesc  `json:"stream"`
	Data     *bufferJSON `json:"data"`
	CheckSum string      `json:"checkSum,omitempty"`
}

// Bytes returns the envelope's payload, or nil if Data is unset.
func (e Envelope) Bytes() []byte {
	if e.Data == nil {
		return nil
	}
	return e.Data.Data
}

func dataOf(b []byte) *bufferJSON {
	if b == nil {
		return nil
	}
	return &bufferJSON{Data: b}
}

// encodeForSigning returns the canonical JSON of the envelope with checkSum
// cleared, used both to compute and to verify the HMAC.
func encodeForSigning(e Envelope) ([]byte, error) {
	e.CheckSum = ""
	return json.Marshal(e)
}

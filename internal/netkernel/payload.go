package netkernel

// Payload is the duck-typed send argument NetKernel accepts: a byte buffer,
// a UTF-8 string, or an already-chunked stream. Internally every variant is
// coerced into a chunk sequence before it hits the wire.
type Payload struct {
	chunked bool
	bytes   []byte
	chunks  <-chan []byte
	errFn   func() error
}

// BytesPayload wraps a single byte buffer, sent as a one-chunk stream.
func BytesPayload(b []byte) Payload {
	return Payload{bytes: b}
}

// TextPayload wraps a UTF-8 string.
func TextPayload(s string) Payload {
	return Payload{bytes: []byte(s)}
}

// ChunkPayload wraps an already-produced sequence of byte chunks. The
// channel must be closed by the producer once the last chunk has been sent.
// errFn, if non-nil, is consulted after the channel closes; a non-nil result
// terminates the stream with an error descriptor instead of a normal end.
func ChunkPayload(ch <-chan []byte, errFn func() error) Payload {
	return Payload{chunked: true, chunks: ch, errFn: errFn}
}

// iterate yields a chunked payload's chunks for framing. The returned error
// is the upstream producer's, reported once the chunk sequence is exhausted.
func (p Payload) iterate(emit func(chunk []byte)) error {
	for c := range p.chunks {
		emit(c)
	}
	if p.errFn != nil {
		return p.errFn()
	}
	return nil
}

package inmemorychannel

import (
	"context"
	"sync"

	"github.com/kkpan11/ipyflow/internal/comm"
)

const bufferSize = 64

// Endpoint is one end of an in-process duplex pipe. It implements
// comm.Channel.
type Endpoint struct {
	p   *pipe
	out chan []byte
	in  chan []byte
}

// pipe is the shared core of a connected Endpoint pair. Closing either
// endpoint closes the whole pipe, both directions.
type pipe struct {
	closed chan struct{}
	once   sync.Once
}

// Pipe returns two connected endpoints. Payloads sent on one are delivered
// on the other's Recv channel in order.
func Pipe() (*Endpoint, *Endpoint) {
	p := &pipe{closed: make(chan struct{})}
	ab := make(chan []byte, bufferSize)
	ba := make(chan []byte, bufferSize)
	a := &Endpoint{p: p, out: ab, in: make(chan []byte, bufferSize)}
	b := &Endpoint{p: p, out: ba, in: make(chan []byte, bufferSize)}
	go forward(p, ab, b.in)
	go forward(p, ba, a.in)
	return a, b
}

// forward is the sole writer and closer of dst, so closure can never race a
// concurrent send.
func forward(p *pipe, src <-chan []byte, dst chan<- []byte) {
	defer close(dst)
	for {
		select {
		case msg := <-src:
			select {
			case dst <- msg:
			case <-p.closed:
				return
			}
		case <-p.closed:
			return
		}
	}
}

// Send delivers payload to the peer. It fails with comm.ErrClosed once
// either endpoint has closed, and with the context error if ctx expires
// while the pipe is full.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	msg := append([]byte(nil), payload...)
	select {
	case <-e.p.closed:
		return comm.ErrClosed
	default:
	}
	select {
	case e.out <- msg:
		return nil
	case <-e.p.closed:
		return comm.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the inbound payload stream. The channel is closed when the
// pipe closes; payloads already buffered remain readable.
func (e *Endpoint) Recv() <-chan []byte {
	return e.in
}

// Close tears the pipe down in both directions. Idempotent and safe to call
// from either end.
func (e *Endpoint) Close() error {
	e.p.once.Do(func() { close(e.p.closed) })
	return nil
}

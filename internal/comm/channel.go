package comm

import (
	"context"
	"errors"
)

// ErrClosed is returned for operations against a bridge or channel that has
// already shut down.
var ErrClosed = errors.New("comm: closed")

// Channel is an ordered, bidirectional byte-payload transport to the kernel.
// Implementations guarantee in-order delivery per direction. The channel
// returned by Recv is closed when the peer goes away; that is the only
// end-of-stream signal.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Recv() <-chan []byte
	Close() error
}

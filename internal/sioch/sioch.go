package sioch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/comm"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

const (
	commEvent  = "ipyflow_comm"
	execEvent  = "execute_request"
	replyEvent = "execute_reply"

	defaultConnectTimeout = 15 * time.Second
	defaultExecTimeout    = 60 * time.Second
)

// Options tunes the connection. The zero value is usable: root namespace,
// verified TLS, 15s connect timeout.
type Options struct {
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Conn is a live socket.io connection to the gateway. It implements
// comm.Channel; Runner additionally turns it into an execution backend for a
// cells.Document.
type Conn struct {
	io     *socket.Socket
	inbox  chan []byte
	recv   chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending map[string]chan execReply
}

type execRequest struct {
	RequestID string `json:"request_id"`
	CellID    string `json:"cell_id"`
	Source    string `json:"source"`
}

type execReply struct {
	RequestID      string `json:"request_id"`
	ExecutionCount int    `json:"execution_count"`
	Error          string `json:"error,omitempty"`
}

// Dial connects to the gateway at rawURL and waits for the socket.io
// handshake to complete.
func Dial(ctx context.Context, rawURL string, o Options) (*Conn, error) {
	logger := ctxlog.FromContext(ctx).With("component", "sioch", "url", rawURL)
	logger.Info("Connecting to dataflow gateway...")

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if o.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(o.Namespace, opts)

	c := &Conn{
		io:      io,
		inbox:   make(chan []byte, 64),
		recv:    make(chan []byte, 64),
		closed:  make(chan struct{}),
		pending: make(map[string]chan execReply),
	}

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Successfully connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		connErr, ok := errs[0].(error)
		if !ok {
			connErr = fmt.Errorf("connect_error: %v", errs[0])
		}
		connectChan <- connErr
	})
	io.On(types.EventName(commEvent), func(args ...any) {
		c.enqueue(logger, args...)
	})
	io.On(types.EventName(replyEvent), func(args ...any) {
		c.resolve(logger, args...)
	})
	io.On(types.EventName("disconnect"), func(...any) {
		logger.Info("Disconnected from dataflow gateway.")
		c.shutdown()
	})

	go c.forward()

	io.Connect()

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	select {
	case err := <-connectChan:
		if err != nil {
			c.shutdown()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return c, nil
	case <-ctx.Done():
		c.shutdown()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(timeout):
		c.shutdown()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", timeout)
	}
}

// enqueue hands one incoming comm payload to the forwarder. Blocking here
// backpressures the socket.io dispatch goroutine rather than dropping
// protocol messages.
func (c *Conn) enqueue(logger *slog.Logger, args ...any) {
	if len(args) == 0 {
		return
	}
	raw, err := sonic.Marshal(args[0])
	if err != nil {
		logger.Warn("Discarding unencodable comm payload.", "error", err)
		return
	}
	select {
	case c.inbox <- raw:
	case <-c.closed:
	}
}

// forward is the sole writer and closer of recv.
func (c *Conn) forward() {
	defer close(c.recv)
	for {
		select {
		case msg := <-c.inbox:
			select {
			case c.recv <- msg:
			case <-c.closed:
				return
			}
		case <-c.closed:
			return
		}
	}
}

// resolve routes one execute reply to its waiting request.
func (c *Conn) resolve(logger *slog.Logger, args ...any) {
	if len(args) == 0 {
		return
	}
	raw, err := sonic.Marshal(args[0])
	if err != nil {
		logger.Warn("Discarding unencodable execute reply.", "error", err)
		return
	}
	var rep execReply
	if err := sonic.Unmarshal(raw, &rep); err != nil {
		logger.Warn("Discarding malformed execute reply.", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[rep.RequestID]
	if ok {
		delete(c.pending, rep.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		logger.Debug("Execute reply matched no pending request.", "request_id", rep.RequestID)
		return
	}
	ch <- rep
}

// Send emits one comm payload to the kernel. The payload must be a JSON
// object; it is re-encoded as structured event data.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return comm.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var obj map[string]any
	if err := sonic.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("sioch: payload is not a JSON object: %w", err)
	}
	c.io.Emit(commEvent, obj)
	return nil
}

// Recv returns the inbound comm payload stream. The channel closes when the
// connection drops.
func (c *Conn) Recv() <-chan []byte {
	return c.recv
}

// Close disconnects and releases every pending execution wait. Idempotent.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.io.Disconnect()
	})
}

// Runner returns an execution backend that runs cells on the remote kernel.
// Each call emits an execute_request and waits for the correlated reply, so
// concurrent in-flight requests are safe.
func (c *Conn) Runner(timeout time.Duration) cells.ExecFunc {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return func(ctx context.Context, cell cells.Cell) cells.RunResult {
		id := uuid.NewString()
		ch := make(chan execReply, 1)
		c.mu.Lock()
		c.pending[id] = ch
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
		}()

		req, err := toEventData(execRequest{
			RequestID: id,
			CellID:    string(cell.ID),
			Source:    cell.Source,
		})
		if err != nil {
			return cells.RunResult{Cell: cell.ID, Err: err}
		}

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c.io.Emit(execEvent, req)

		select {
		case rep := <-ch:
			if rep.Error != "" {
				return cells.RunResult{Cell: cell.ID, Err: errors.New(rep.Error)}
			}
			return cells.RunResult{Cell: cell.ID, Counter: rep.ExecutionCount}
		case <-c.closed:
			return cells.RunResult{Cell: cell.ID, Err: comm.ErrClosed}
		case <-opCtx.Done():
			return cells.RunResult{Cell: cell.ID, Err: fmt.Errorf("timed out waiting for execute reply: %w", opCtx.Err())}
		}
	}
}

// toEventData converts a request struct to the map form socket.io events
// carry.
func toEventData(v any) (map[string]any, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sioch: encode request: %w", err)
	}
	out := make(map[string]any)
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sioch: encode request: %w", err)
	}
	return out, nil
}

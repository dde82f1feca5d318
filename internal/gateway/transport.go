package gateway

import (
	"context"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// deliveryMode selects how server-to-client messages leave a session.
type deliveryMode int

const (
	// deliverByRequest matches responses to the HTTP request that carried
	// the originating call; everything else rides the attached stream.
	// Used by the streamable transport.
	deliverByRequest deliveryMode = iota
	// deliverToStream pushes every server message onto the long-lived
	// event stream. Used by the SSE transport.
	deliverToStream
)

// streamBuffer bounds how many undelivered server-push messages a session
// retains while no stream is attached.
const streamBuffer = 64

// sessionTransport is the per-session protocol state machine. It implements
// both mcp.Transport and mcp.Connection: the protocol layer reads client
// messages from it and writes server messages back, while the HTTP handlers
// feed it from the other side. One sessionTransport belongs to exactly one
// session and is never shared.
type sessionTransport struct {
	id   string
	mode deliveryMode

	incoming chan jsonrpc.Message
	stream   chan jsonrpc.Message

	mu      sync.Mutex
	pending map[jsonrpc.ID]chan jsonrpc.Message
	closed  bool

	done    chan struct{}
	onClose func()
}

func newSessionTransport(id string, mode deliveryMode) *sessionTransport {
	return &sessionTransport{
		id:       id,
		mode:     mode,
		incoming: make(chan jsonrpc.Message, 8),
		stream:   make(chan jsonrpc.Message, streamBuffer),
		pending:  make(map[jsonrpc.ID]chan jsonrpc.Message),
		done:     make(chan struct{}),
	}
}

// Connect implements mcp.Transport.
func (t *sessionTransport) Connect(context.Context) (mcp.Connection, error) {
	return t, nil
}

// SessionID implements mcp.Connection.
func (t *sessionTransport) SessionID() string { return t.id }

// Read hands the protocol layer the next client message.
func (t *sessionTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write routes a server message: responses to a waiting HTTP request when
// the mode calls for it, everything else onto the stream. A full stream
// buffer with no consumer drops the message rather than wedging the
// protocol layer.
func (t *sessionTransport) Write(_ context.Context, msg jsonrpc.Message) error {
	if t.isClosed() {
		return io.ErrClosedPipe
	}
	if t.mode == deliverByRequest {
		if resp, ok := msg.(*jsonrpc.Response); ok {
			t.mu.Lock()
			waiter, ok := t.pending[resp.ID]
			if ok {
				delete(t.pending, resp.ID)
			}
			t.mu.Unlock()
			if ok {
				waiter <- msg
				return nil
			}
		}
	}
	select {
	case t.stream <- msg:
	default:
	}
	return nil
}

// Close releases the transport exactly once and fires the removal callback.
func (t *sessionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

func (t *sessionTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Deliver feeds one client message into the session. For calls it blocks
// until the matching response is written back (or the caller gives up); for
// notifications and client responses it returns nil immediately.
func (t *sessionTransport) Deliver(ctx context.Context, msg jsonrpc.Message) (jsonrpc.Message, error) {
	req, isCall := msg.(*jsonrpc.Request)
	if isCall && !req.ID.IsValid() {
		isCall = false
	}

	var waiter chan jsonrpc.Message
	if isCall && t.mode == deliverByRequest {
		waiter = make(chan jsonrpc.Message, 1)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, io.ErrClosedPipe
		}
		t.pending[req.ID] = waiter
		t.mu.Unlock()
	}

	select {
	case t.incoming <- msg:
	case <-t.done:
		t.abandon(req)
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		t.abandon(req)
		return nil, ctx.Err()
	}

	if waiter == nil {
		return nil, nil
	}
	select {
	case resp := <-waiter:
		return resp, nil
	case <-t.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		t.abandon(req)
		return nil, ctx.Err()
	}
}

func (t *sessionTransport) abandon(req *jsonrpc.Request) {
	if req == nil {
		return
	}
	t.mu.Lock()
	delete(t.pending, req.ID)
	t.mu.Unlock()
}

// Stream exposes the server-push channel for the HTTP layer to drain.
func (t *sessionTransport) Stream() <-chan jsonrpc.Message { return t.stream }

// Done is closed when the transport closes.
func (t *sessionTransport) Done() <-chan struct{} { return t.done }

// isInitialize reports whether a decoded message is the protocol's
// initialization request.
func isInitialize(msg jsonrpc.Message) bool {
	req, ok := msg.(*jsonrpc.Request)
	return ok && req.Method == "initialize"
}

var _ mcp.Transport = (*sessionTransport)(nil)
var _ mcp.Connection = (*sessionTransport)(nil)

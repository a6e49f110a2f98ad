package hass

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/coder/websocket"
)

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=hass -mock_names=wsConn=MockWSConn

const (
	// connectTimeout bounds the dial plus websocket upgrade.
	connectTimeout = 10 * time.Second

	// writeTimeout bounds a single text frame write.
	writeTimeout = 5 * time.Second

	// stopTimeout bounds how long Disconnect waits for the reader to exit.
	stopTimeout = 5 * time.Second

	// fragmentSize is the largest text fragment handed to the sink.
	fragmentSize = 4096

	// wsReadLimit is the largest message the socket accepts. Messages
	// between the reassembly cap and this limit are dropped by the
	// reassembler without tearing down the connection.
	wsReadLimit = 4 * rxAssemblyBufSize
)

// EventKind enumerates what a transport reports to its sink.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventText
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventText:
		return "text"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Text events carry a fragment of
// a message with its offset, the declared total length (0 when unknown)
// and whether it is the final fragment.
type Event struct {
	Kind       EventKind
	Data       []byte
	Offset     int
	PayloadLen int
	Fin        bool
	Err        error
}

// EventSink receives transport events on the transport's goroutine.
// HandleEvent must not block.
type EventSink interface {
	HandleEvent(ev Event)
}

// Transport owns at most one websocket connection to the hub.
type Transport interface {
	// Connect starts a connection attempt in the background and returns
	// immediately. Outcomes arrive at sink.
	Connect(ctx context.Context, uri string, sink EventSink) error
	// Disconnect tears the connection down and waits for the reader.
	Disconnect()
	// SendText writes one text message. It fails at once when no
	// connection is open; nothing is queued.
	SendText(ctx context.Context, payload []byte) error
	IsConnected() bool
	IsRunning() bool
}

// wsConn abstracts the websocket connection so the transport can be
// tested without a real hub. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, uri string, opts *websocket.DialOptions) (wsConn, error)

func dialWebsocket(ctx context.Context, uri string, opts *websocket.DialOptions) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, uri, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// WSTransport is the coder/websocket implementation of Transport.
//
// Architecture: Connect spawns one goroutine that dials, reports
// connected, then reads until the connection ends. Protocol pings are
// answered by the library. Every message is handed to the sink as
// bounded text fragments, and the goroutine always finishes with a
// disconnected event.
type WSTransport struct {
	httpClient *http.Client
	dial       dialFunc
	logger     *slog.Logger

	mu     sync.Mutex
	conn   wsConn
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	running   atomic.Bool
}

// NewWSTransport creates a transport that dials through resolver.
func NewWSTransport(resolver *Resolver, logger *slog.Logger) *WSTransport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: connectTimeout,
	}
	if resolver != nil {
		transport.DialContext = resolver.DialContext
	}

	return &WSTransport{
		// coder/websocket rejects clients with Timeout set; the dial
		// context bounds the handshake instead.
		httpClient: &http.Client{Transport: transport},
		dial:       dialWebsocket,
		logger:     logger,
	}
}

// Connect implements Transport.
func (t *WSTransport) Connect(ctx context.Context, uri string, sink EventSink) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parsing websocket url: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: websocket url scheme %q", errors.ErrInvalidArgument, u.Scheme)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return fmt.Errorf("transport already running")
	}

	if t.cancel != nil {
		t.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.running.Store(true)

	go t.run(runCtx, uri, sink, done)

	return nil
}

func (t *WSTransport) run(ctx context.Context, uri string, sink EventSink, done chan struct{}) {
	defer close(done)
	defer t.running.Store(false)
	defer sink.HandleEvent(Event{Kind: EventDisconnected})

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := t.dial(dialCtx, uri, &websocket.DialOptions{HTTPClient: t.httpClient})
	cancel()

	if err != nil {
		if ctx.Err() == nil {
			sink.HandleEvent(Event{Kind: EventError, Err: fmt.Errorf("dialing websocket: %w", err)})
		}

		return
	}

	conn.SetReadLimit(wsReadLimit)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)

	sink.HandleEvent(Event{Kind: EventConnected})

	err = t.readLoop(ctx, conn, sink)

	t.connected.Store(false)
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")

	if err != nil && ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
		sink.HandleEvent(Event{Kind: EventError, Err: fmt.Errorf("reading websocket: %w", err)})
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn wsConn, sink EventSink) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			t.logger.Debug("ignoring binary websocket message", slog.Int("len", len(data)))
			continue
		}

		deliverFragments(sink, data)
	}
}

// deliverFragments hands a complete message to the sink in bounded
// pieces, declaring the total length on every piece.
func deliverFragments(sink EventSink, data []byte) {
	for off := 0; off < len(data); off += fragmentSize {
		end := min(off+fragmentSize, len(data))
		sink.HandleEvent(Event{
			Kind:       EventText,
			Data:       data[off:end],
			Offset:     off,
			PayloadLen: len(data),
			Fin:        end == len(data),
		})
	}
}

// Disconnect implements Transport.
func (t *WSTransport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}

	// Cancelling the read context closes the connection.
	cancel()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		t.logger.Warn("websocket reader did not stop in time")
	}
}

// SendText implements Transport.
func (t *WSTransport) SendText(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || !t.connected.Load() {
		return errors.ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSendFailed, err)
	}

	return nil
}

// IsConnected implements Transport.
func (t *WSTransport) IsConnected() bool { return t.connected.Load() }

// IsRunning implements Transport.
func (t *WSTransport) IsRunning() bool { return t.running.Load() }

package buffers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
	"github.com/vibetunnel/vibetunnel/internal/term"
)

const (
	wsReadLimit  = 512 * 1024
	writeTimeout = 10 * time.Second
)

// RemoteSource subscribes to sessions owned by federated remotes. The frame
// callback receives complete binary buffer frames, forwarded verbatim;
// offline fires once when the owning remote becomes unreachable.
type RemoteSource interface {
	SubscribeRemote(sessionID string, frame func([]byte), offline func()) (cancel func(), err error)
}

// Options wires an Aggregator.
type Options struct {
	Hub *term.Hub
	// Exists reports whether a session id is owned by this server.
	Exists func(sessionID string) bool
	// Remotes resolves non-local ids in HQ mode; nil on standalone servers.
	Remotes RemoteSource
}

// Aggregator owns every /buffers subscriber: it routes local sessions to
// their materializers and, in HQ mode, proxies remote-owned sessions over a
// shared upstream connection per remote.
type Aggregator struct {
	hub     *term.Hub
	exists  func(string) bool
	remotes RemoteSource
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewAggregator(opts Options) *Aggregator {
	exists := opts.Exists
	if exists == nil {
		exists = func(string) bool { return false }
	}
	return &Aggregator{
		hub:     opts.Hub,
		exists:  exists,
		remotes: opts.Remotes,
		log:     logger.WithComponent("buffers"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the subscriber until it leaves.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := newClient(conn)
	if !a.track(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer a.untrack(c)
	defer c.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)
	a.readLoop(ctx, c)
}

func (a *Aggregator) track(c *client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.clients[c] = struct{}{}
	return true
}

func (a *Aggregator) untrack(c *client) {
	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
}

// Close disconnects every subscriber. New connections are refused.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[*client]struct{})
	a.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (a *Aggregator) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Debug().Err(err).Msg("bad control message")
			continue
		}
		switch msg.Type {
		case "subscribe":
			for _, id := range msg.SessionIDs {
				a.subscribe(c, id)
			}
		case "unsubscribe":
			for _, id := range msg.SessionIDs {
				c.drop(id)
			}
		case "ping":
			c.enqueueText(ServerMessage{Type: "pong"})
		default:
			a.log.Debug().Str("type", msg.Type).Msg("unknown control message")
		}
	}
}

// subscribe attaches one session to the client: an initial snapshot
// immediately, then updates as they land.
func (a *Aggregator) subscribe(c *client, id string) {
	if !c.reserve(id) {
		return
	}

	if a.exists(id) {
		mat, err := a.hub.Get(id)
		if err != nil {
			a.log.Warn().Str("session_id", id).Err(err).Msg("materialize failed")
			c.unreserve(id)
			c.enqueueText(ServerMessage{Error: ErrorUnknownSession, SessionID: id})
			return
		}
		c.enqueueBinary(id, EncodeFrame(id, mat.Snapshot()))
		cancel := mat.Subscribe(func(snap []byte) {
			c.enqueueBinary(id, EncodeFrame(id, snap))
		})
		c.setCancel(id, cancel)
		return
	}

	if a.remotes != nil {
		cancel, err := a.remotes.SubscribeRemote(id,
			func(frame []byte) { c.enqueueBinary(id, frame) },
			func() {
				c.enqueueText(ServerMessage{Error: ErrorRemoteUnavailable, SessionID: id})
				c.drop(id)
			})
		switch {
		case err == nil:
			c.setCancel(id, cancel)
			return
		case errors.Is(err, ErrRemoteUnavailable):
			c.unreserve(id)
			c.enqueueText(ServerMessage{Error: ErrorRemoteUnavailable, SessionID: id})
			return
		case !errors.Is(err, ErrNoOwner):
			a.log.Warn().Str("session_id", id).Err(err).Msg("remote subscribe failed")
		}
	}

	c.unreserve(id)
	c.enqueueText(ServerMessage{Error: ErrorUnknownSession, SessionID: id})
}

// client is one WebSocket subscriber. Snapshots queue latest-wins per
// session so a slow reader sees fewer, newer frames, never reordered ones.
type client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	subs    map[string]*subState
	pending map[string][]byte
	order   []string
	texts   [][]byte
	closed  bool

	wake chan struct{}
}

type subState struct {
	cancel  func()
	dropped bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:    conn,
		subs:    make(map[string]*subState),
		pending: make(map[string][]byte),
		wake:    make(chan struct{}, 1),
	}
}

// reserve claims id before the subscription handshake so duplicate
// subscribe messages are no-ops.
func (c *client) reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.subs[id]; ok {
		return false
	}
	c.subs[id] = &subState{}
	return true
}

func (c *client) unreserve(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// setCancel finishes a reservation. If the id was dropped mid-handshake the
// subscription is torn down on the spot.
func (c *client) setCancel(id string, cancel func()) {
	c.mu.Lock()
	st, ok := c.subs[id]
	if ok && !st.dropped && !c.closed {
		st.cancel = cancel
		c.mu.Unlock()
		return
	}
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	cancel()
}

func (c *client) drop(id string) {
	c.mu.Lock()
	st, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if st.cancel == nil {
		// Mid-handshake; setCancel completes the teardown.
		st.dropped = true
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	c.mu.Unlock()
	st.cancel()
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.subs))
	for _, st := range c.subs {
		if st.cancel != nil {
			cancels = append(cancels, st.cancel)
		}
	}
	c.subs = make(map[string]*subState)
	c.pending = make(map[string][]byte)
	c.order = nil
	c.texts = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.conn.CloseNow()
}

func (c *client) enqueueBinary(id string, frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[id]; !ok {
		c.order = append(c.order, id)
	} else {
		metrics.SnapshotDropped()
	}
	c.pending[id] = frame
	c.mu.Unlock()
	c.notify()
}

func (c *client) enqueueText(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.texts = append(c.texts, data)
	c.mu.Unlock()
	c.notify()
}

func (c *client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the next outgoing frame: control text first, then the oldest
// pending snapshot.
func (c *client) next() (websocket.MessageType, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) > 0 {
		frame := c.texts[0]
		c.texts = c.texts[1:]
		return websocket.MessageText, frame
	}
	for len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		frame, ok := c.pending[id]
		if !ok {
			continue
		}
		delete(c.pending, id)
		return websocket.MessageBinary, frame
	}
	return 0, nil
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			typ, frame := c.next()
			if frame == nil {
				break
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, typ, frame)
			cancel()
			if err != nil {
				c.conn.CloseNow()
				return
			}
		}
	}
}

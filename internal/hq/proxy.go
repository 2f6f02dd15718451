package hq

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/logger"
)

const (
	dialTimeout      = 5 * time.Second
	linkWriteTimeout = 10 * time.Second
	linkPingInterval = 30 * time.Second
	linkReadLimit    = 512 * 1024
)

// Upstream multiplexes buffer subscriptions for remote-owned sessions over
// one WebSocket link per remote. It implements the aggregator's remote
// source: frames arriving from a remote are handed to subscribers exactly
// as received.
type Upstream struct {
	registry *Registry
	log      zerolog.Logger

	mu     sync.Mutex
	links  map[string]*link // keyed by remote id
	closed bool
}

// NewUpstream returns an Upstream resolving ownership through registry.
func NewUpstream(registry *Registry) *Upstream {
	return &Upstream{
		registry: registry,
		log:      logger.WithComponent("hq"),
		links:    make(map[string]*link),
	}
}

// SubscribeRemote attaches to sessionID on whichever remote owns it. The
// link to that remote is dialed lazily and shared by every subscription;
// offline fires once if the link dies or the remote disowns the session.
func (u *Upstream) SubscribeRemote(sessionID string, frame func([]byte), offline func()) (func(), error) {
	remote, ok := u.registry.OwnerOf(sessionID)
	if !ok {
		return nil, buffers.ErrNoOwner
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, buffers.ErrRemoteUnavailable
	}
	l := u.links[remote.ID]
	if l == nil {
		l = newLink(u, remote)
		u.links[remote.ID] = l
		go l.run()
	}
	u.mu.Unlock()

	return l.subscribe(sessionID, frame, offline)
}

// Close tears down every remote link.
func (u *Upstream) Close() {
	u.mu.Lock()
	u.closed = true
	links := make([]*link, 0, len(u.links))
	for _, l := range u.links {
		links = append(links, l)
	}
	u.links = make(map[string]*link)
	u.mu.Unlock()
	for _, l := range links {
		l.fail()
	}
}

// forget drops a dead link so the next subscription dials afresh.
func (u *Upstream) forget(l *link) {
	u.mu.Lock()
	if u.links[l.remote.ID] == l {
		delete(u.links, l.remote.ID)
	}
	u.mu.Unlock()
}

type remoteSub struct {
	frame   func([]byte)
	offline func()
}

// link is one shared WebSocket connection to a remote's buffer endpoint.
type link struct {
	upstream *Upstream
	remote   Remote
	log      zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn // nil until the dial completes
	subs   map[string]map[int64]*remoteSub
	nextID int64
	dead   bool
}

func newLink(u *Upstream, remote Remote) *link {
	return &link{
		upstream: u,
		remote:   remote,
		log:      u.log.With().Str("remote", remote.Name).Logger(),
		subs:     make(map[string]map[int64]*remoteSub),
	}
}

// subscribe registers a subscriber and, when the link is already up, asks
// the remote for the session. Subscriptions made while the dial is still
// in flight are flushed by run once the connection lands.
func (l *link) subscribe(sessionID string, frame func([]byte), offline func()) (func(), error) {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return nil, buffers.ErrRemoteUnavailable
	}
	id := l.nextID
	l.nextID++
	m := l.subs[sessionID]
	first := m == nil
	if first {
		m = make(map[int64]*remoteSub)
		l.subs[sessionID] = m
	}
	m[id] = &remoteSub{frame: frame, offline: offline}
	conn := l.conn
	l.mu.Unlock()

	if first && conn != nil {
		l.send(buffers.ClientMessage{Type: "subscribe", SessionIDs: []string{sessionID}})
	}
	return func() { l.unsubscribe(sessionID, id) }, nil
}

func (l *link) unsubscribe(sessionID string, id int64) {
	l.mu.Lock()
	m := l.subs[sessionID]
	if m == nil {
		l.mu.Unlock()
		return
	}
	delete(m, id)
	last := len(m) == 0
	if last {
		delete(l.subs, sessionID)
	}
	dead := l.dead
	l.mu.Unlock()

	if last && !dead {
		l.send(buffers.ClientMessage{Type: "unsubscribe", SessionIDs: []string{sessionID}})
	}
}

func (l *link) run() {
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+l.remote.Token)
	conn, _, err := websocket.Dial(dialCtx, buffersURL(l.remote.URL), opts)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Msg("remote buffer link failed")
		l.fail()
		return
	}
	conn.SetReadLimit(linkReadLimit)

	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		conn.CloseNow()
		return
	}
	l.conn = conn
	pending := make([]string, 0, len(l.subs))
	for id := range l.subs {
		pending = append(pending, id)
	}
	l.mu.Unlock()

	if len(pending) > 0 {
		l.send(buffers.ClientMessage{Type: "subscribe", SessionIDs: pending})
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go l.pingLoop(stopPing)

	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			l.log.Debug().Err(err).Msg("remote buffer link closed")
			l.fail()
			return
		}
		if typ != websocket.MessageBinary {
			l.handleText(data)
			continue
		}
		sessionID, _, err := buffers.DecodeFrame(data)
		if err != nil {
			l.log.Debug().Err(err).Msg("undecodable frame from remote")
			continue
		}
		l.dispatch(sessionID, data)
	}
}

// dispatch forwards a complete binary frame to every subscriber of its
// session.
func (l *link) dispatch(sessionID string, data []byte) {
	l.mu.Lock()
	subs := make([]*remoteSub, 0, len(l.subs[sessionID]))
	for _, s := range l.subs[sessionID] {
		subs = append(subs, s)
	}
	l.mu.Unlock()
	for _, s := range subs {
		s.frame(data)
	}
}

// handleText processes control frames from the remote. An error naming a
// session ends that session's subscriptions; ownership was stale and the
// next subscribe resolves against a refreshed map.
func (l *link) handleText(data []byte) {
	var msg buffers.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Error == "" || msg.SessionID == "" {
		return
	}
	l.mu.Lock()
	m := l.subs[msg.SessionID]
	delete(l.subs, msg.SessionID)
	l.mu.Unlock()
	if len(m) > 0 {
		l.log.Debug().Str("session", msg.SessionID).Str("error", msg.Error).Msg("remote ended subscription")
	}
	for _, s := range m {
		s.offline()
	}
}

// fail marks the link dead, fires every remaining subscriber's offline
// callback exactly once, and removes the link from the upstream.
func (l *link) fail() {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return
	}
	l.dead = true
	conn := l.conn
	l.conn = nil
	var victims []*remoteSub
	for _, m := range l.subs {
		for _, s := range m {
			victims = append(victims, s)
		}
	}
	l.subs = make(map[string]map[int64]*remoteSub)
	l.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	l.upstream.forget(l)
	for _, s := range victims {
		s.offline()
	}
}

func (l *link) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(linkPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.send(buffers.ClientMessage{Type: "ping"})
		}
	}
}

// send writes a control message, closing the connection on failure so the
// read loop notices and tears the link down.
func (l *link) send(msg buffers.ClientMessage) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), linkWriteTimeout)
	defer cancel()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
	}
}

func buffersURL(remoteURL string) string {
	return strings.TrimSuffix(remoteURL, "/") + "/buffers"
}

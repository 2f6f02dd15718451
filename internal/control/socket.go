package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/metrics"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

const (
	// requestTimeout bounds one request/response exchange. A handler that
	// blows the deadline gets its connection closed.
	requestTimeout = 5 * time.Second
	writeTimeout   = 5 * time.Second
)

var heartbeatFrame = protocol.Encode(protocol.TypeHeartbeat, nil)

// listenUnix removes any stale socket file at path and listens fresh.
// The socket is owner-only: these sockets accept raw stdin and kill frames.
func listenUnix(path string) (net.Listener, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// conn wraps one accepted connection with a serialized writer and receive
// tracking for the dead-peer check.
type conn struct {
	net.Conn
	writeMu  sync.Mutex
	lastRecv atomic.Int64 // unix nanos
}

func newConn(c net.Conn) *conn {
	cc := &conn{Conn: c}
	cc.touch()
	return cc
}

func (c *conn) touch() { c.lastRecv.Store(time.Now().UnixNano()) }

func (c *conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRecv.Load()))
}

// send writes one frame under the write lock. Frames from concurrent
// responders must not interleave.
func (c *conn) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.Write(frame)
	return err
}

// connSet tracks live connections so shutdown can close them.
type connSet struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

func (s *connSet) add(c *conn) {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[*conn]struct{})
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
}

// frameHandler processes one frame. It returns the response to send (nil for
// none) and whether the connection stays open afterward.
type frameHandler func(ctx context.Context, f protocol.Frame) (resp []byte, keepOpen bool)

// serveConn runs the read loop and heartbeat ticker for one connection.
// Heartbeats are answered here; everything else goes through handle.
func serveConn(ctx context.Context, c *conn, log zerolog.Logger, handle frameHandler) {
	defer c.Close()

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeatLoop(hbCtx, c, log)

	dec := protocol.NewDecoder(c)
	for {
		f, err := dec.Next()
		if err != nil {
			var perr *protocol.Error
			switch {
			case errors.As(err, &perr):
				// The stream cannot be resynchronized after a bad length,
				// so report and drop the connection.
				c.send(protocol.EncodeError(perr))
				log.Debug().Str("code", perr.Code).Msg("closing connection on protocol error")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				log.Debug().Err(err).Msg("control read failed")
			}
			return
		}
		c.touch()
		metrics.ControlFrame(f.Type.String())
		if f.Type == protocol.TypeHeartbeat {
			continue
		}
		resp, keepOpen := handle(ctx, f)
		if resp != nil {
			if err := c.send(resp); err != nil {
				log.Debug().Err(err).Msg("control write failed")
				return
			}
		}
		if !keepOpen {
			return
		}
	}
}

func heartbeatLoop(ctx context.Context, c *conn, log zerolog.Logger) {
	t := time.NewTicker(protocol.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c.idle() > protocol.HeartbeatInterval*protocol.HeartbeatMissLimit {
				log.Debug().Msg("peer silent past heartbeat limit")
				c.Close()
				return
			}
			if err := c.send(heartbeatFrame); err != nil {
				c.Close()
				return
			}
		}
	}
}

// invalidPayload frames a decode failure. The connection stays open.
func invalidPayload(t protocol.MessageType, err error) []byte {
	return protocol.EncodeError(&protocol.Error{
		Code:    protocol.CodeInvalidPayload,
		Message: fmt.Sprintf("decode %s: %v", t, err),
	})
}

// mustEncode frames v, degrading to an INTERNAL_ERROR frame when v will not
// marshal.
func mustEncode(t protocol.MessageType, v any) []byte {
	frame, err := protocol.EncodeJSON(t, v)
	if err != nil {
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeInternal,
			Message: err.Error(),
		})
	}
	return frame
}

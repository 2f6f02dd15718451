package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

// Client dials a control socket (api.sock or a session's ipc.sock) and
// exchanges frames. Methods serialize on one connection; the connection is
// re-dialed after any transport failure.
type Client struct {
	path string

	mu   sync.Mutex
	conn net.Conn
	dec  *protocol.Decoder
}

// NewClient returns a client for the socket at path. No connection is made
// until the first request.
func NewClient(socketPath string) *Client {
	return &Client{path: socketPath}
}

// Close drops the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.dec = nil
	return err
}

// Status asks the server for its state. cwd, when non-empty, is the
// directory whose follow mode should be resolved.
func (c *Client) Status(ctx context.Context, cwd string) (*protocol.StatusResponse, error) {
	frame, err := protocol.EncodeJSON(protocol.TypeStatusRequest, protocol.StatusRequest{Cwd: cwd})
	if err != nil {
		return nil, err
	}
	payload, err := c.roundTrip(ctx, frame, protocol.TypeStatusResponse)
	if err != nil {
		return nil, err
	}
	var resp protocol.StatusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &resp, nil
}

// Follow toggles follow mode for a repository.
func (c *Client) Follow(ctx context.Context, req protocol.GitFollowRequest) (*protocol.GitFollowResponse, error) {
	frame, err := protocol.EncodeJSON(protocol.TypeGitFollowRequest, req)
	if err != nil {
		return nil, err
	}
	payload, err := c.roundTrip(ctx, frame, protocol.TypeGitFollowResponse)
	if err != nil {
		return nil, err
	}
	var resp protocol.GitFollowResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode follow response: %w", err)
	}
	return &resp, nil
}

// GitEvent reports a repository event observed by a hook.
func (c *Client) GitEvent(ctx context.Context, ev protocol.GitEventNotify) (*protocol.GitEventAck, error) {
	frame, err := protocol.EncodeJSON(protocol.TypeGitEventNotify, ev)
	if err != nil {
		return nil, err
	}
	payload, err := c.roundTrip(ctx, frame, protocol.TypeGitEventAck)
	if err != nil {
		return nil, err
	}
	var ack protocol.GitEventAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, fmt.Errorf("decode git event ack: %w", err)
	}
	return &ack, nil
}

// Stdin forwards raw bytes to the session behind an ipc socket. There is no
// acknowledgement; failures surface on a later exchange.
func (c *Client) Stdin(data []byte) error {
	return c.send(protocol.Encode(protocol.TypeStdin, data))
}

// Resize changes the session's terminal dimensions.
func (c *Client) Resize(cols, rows int) error {
	frame, err := protocol.EncodeJSON(protocol.TypeResize, protocol.ResizeRequest{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return c.send(frame)
}

// UpdateStatus reports activity from the session's foreground process.
func (c *Client) UpdateStatus(app, status string) error {
	frame, err := protocol.EncodeJSON(protocol.TypeStatusUpdate, protocol.StatusUpdate{App: app, Status: status})
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.path, requestTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.path, err)
	}
	c.conn = conn
	c.dec = protocol.NewDecoder(conn)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.dec = nil
}

// send writes one frame without awaiting a response.
func (c *Client) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		c.reset()
		return err
	}
	return nil
}

// roundTrip sends one frame and waits for a frame of type want. Heartbeats
// are consumed; ERROR frames come back as *protocol.Error.
func (c *Client) roundTrip(ctx context.Context, frame []byte, want protocol.MessageType) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer func() {
		if c.conn != nil {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if _, err := c.conn.Write(frame); err != nil {
		c.reset()
		return nil, err
	}
	for {
		f, err := c.dec.Next()
		if err != nil {
			c.reset()
			return nil, err
		}
		switch f.Type {
		case want:
			return f.Payload, nil
		case protocol.TypeHeartbeat:
			continue
		case protocol.TypeError:
			perr := &protocol.Error{}
			if json.Unmarshal(f.Payload, perr) != nil {
				perr = &protocol.Error{Code: protocol.CodeProtocolError, Message: "undecodable error frame"}
			}
			return nil, perr
		default:
			c.reset()
			return nil, fmt.Errorf("unexpected %s frame while awaiting %s", f.Type, want)
		}
	}
}

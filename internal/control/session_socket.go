package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// SessionTarget is the slice of a live session the per-session socket
// drives.
type SessionTarget interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	RecordStatus(app, status string)
}

// SessionServer serves one session's ipc.sock: raw stdin, resizes, and
// activity updates from inside the session.
type SessionServer struct {
	sessionID  string
	socketPath string
	target     SessionTarget
	log        zerolog.Logger
	conns      connSet
}

// NewSessionServer builds the ipc.sock server for one session.
func NewSessionServer(sessionID, socketPath string, target SessionTarget) *SessionServer {
	return &SessionServer{
		sessionID:  sessionID,
		socketPath: socketPath,
		target:     target,
		log:        logger.WithSession("ipc", sessionID),
	}
}

// ListenAndServe accepts connections until ctx is done.
func (s *SessionServer) ListenAndServe(ctx context.Context) error {
	ln, err := listenUnix(s.socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
		s.conns.closeAll()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", s.socketPath, err)
		}
		c := newConn(nc)
		s.conns.add(c)
		go func() {
			defer s.conns.remove(c)
			serveConn(ctx, c, s.log, s.handle)
		}()
	}
}

func (s *SessionServer) handle(_ context.Context, f protocol.Frame) ([]byte, bool) {
	switch f.Type {
	case protocol.TypeStdin:
		if err := s.target.Write(f.Payload); err != nil {
			return s.frameError("stdin", err), true
		}
		return nil, true

	case protocol.TypeResize:
		var req protocol.ResizeRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return invalidPayload(protocol.TypeResize, err), true
		}
		if err := s.target.Resize(req.Cols, req.Rows); err != nil {
			return s.frameError("resize", err), true
		}
		return nil, true

	case protocol.TypeStatusUpdate:
		var up protocol.StatusUpdate
		if err := json.Unmarshal(f.Payload, &up); err != nil {
			return invalidPayload(protocol.TypeStatusUpdate, err), true
		}
		s.target.RecordStatus(up.App, up.Status)
		return nil, true

	case protocol.TypeStatusRequest:
		// The socket outlives its session by at most the teardown window,
		// so an answer here means the session is live.
		return mustEncode(protocol.TypeStatusResponse, protocol.StatusResponse{Running: true}), true

	default:
		return protocol.EncodeError(&protocol.Error{
			Code:      protocol.CodeUnknownType,
			Message:   fmt.Sprintf("message type %s not handled on session socket", f.Type),
			SessionID: s.sessionID,
		}), true
	}
}

func (s *SessionServer) frameError(op string, err error) []byte {
	code := protocol.CodeInternal
	if errors.Is(err, session.ErrExited) {
		code = protocol.CodeSessionNotFound
	}
	return protocol.EncodeError(&protocol.Error{
		Code:      code,
		Message:   op + ": " + err.Error(),
		SessionID: s.sessionID,
	})
}

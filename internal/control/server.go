// Package control serves the framed UNIX-socket protocol: the host-wide
// api.sock spoken by the vt CLI and Git hooks, and the per-session ipc.sock
// spoken by forwarding processes. Both speak the codec from
// internal/protocol.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/gitops"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

// StatusFunc reports the HTTP layer's listen state for STATUS_RESPONSE
// frames.
type StatusFunc func() (port int, url string)

// EventSink consumes repository events arriving via GIT_EVENT_NOTIFY. The
// return value becomes the ack's handled flag.
type EventSink func(ctx context.Context, ev protocol.GitEventNotify) bool

// Options configures the api socket server.
type Options struct {
	SocketPath string
	Status     StatusFunc
	Git        gitops.GitOps
	Events     EventSink
}

// Server answers status, follow-mode, and git-event requests on api.sock.
// Repository operations serialize through a keyed lock so two follow-mode
// changes for the same repo never race.
type Server struct {
	socketPath string
	status     StatusFunc
	git        gitops.GitOps
	events     EventSink
	locks      *keyedLock
	log        zerolog.Logger
	conns      connSet
}

// NewServer builds the api socket server. A nil Git falls back to
// gitops.Unavailable; status and git-event handling still work.
func NewServer(opts Options) *Server {
	git := opts.Git
	if git == nil {
		git = gitops.Unavailable{}
	}
	status := opts.Status
	if status == nil {
		status = func() (int, string) { return 0, "" }
	}
	return &Server{
		socketPath: opts.SocketPath,
		status:     status,
		git:        git,
		events:     opts.Events,
		locks:      newKeyedLock(),
		log:        logger.WithComponent("control"),
	}
}

// ListenAndServe accepts connections until ctx is done. The socket file is
// removed on the way out.
func (s *Server) ListenAndServe(ctx context.Context) error {
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

	s.log.Info().Str("socket", s.socketPath).Msg("control socket listening")
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
			serveConn(ctx, c, s.log, s.dispatch)
		}()
	}
}

// dispatch runs one request under the per-request deadline. A handler that
// misses the deadline costs the peer its connection.
func (s *Server) dispatch(ctx context.Context, f protocol.Frame) ([]byte, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	done := make(chan []byte, 1)
	go func() { done <- s.handle(reqCtx, f) }()

	select {
	case resp := <-done:
		return resp, true
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, false
		}
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeTimeout,
			Message: f.Type.String() + " exceeded the request deadline",
		}), false
	}
}

func (s *Server) handle(ctx context.Context, f protocol.Frame) []byte {
	switch f.Type {
	case protocol.TypeStatusRequest:
		return s.handleStatus(ctx, f.Payload)
	case protocol.TypeGitFollowRequest:
		return s.handleFollow(ctx, f.Payload)
	case protocol.TypeGitEventNotify:
		return s.handleGitEvent(ctx, f.Payload)
	default:
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeUnknownType,
			Message: fmt.Sprintf("message type %s not handled on api socket", f.Type),
		})
	}
}

func (s *Server) handleStatus(ctx context.Context, payload []byte) []byte {
	var req protocol.StatusRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return invalidPayload(protocol.TypeStatusRequest, err)
		}
	}

	port, url := s.status()
	resp := protocol.StatusResponse{Running: true, Port: port, URL: url}

	dir := req.Cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if dir != "" {
		wt, err := gitops.State(ctx, s.git, s.log, dir)
		if err != nil {
			s.log.Debug().Str("dir", dir).Err(err).Msg("resolve follow state")
		} else {
			resp.FollowMode = wt
		}
	}
	return mustEncode(protocol.TypeStatusResponse, resp)
}

func (s *Server) handleFollow(ctx context.Context, payload []byte) []byte {
	var req protocol.GitFollowRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return invalidPayload(protocol.TypeGitFollowRequest, err)
	}

	release, err := s.locks.acquire(ctx, repoKey(req.MainRepoPath, req.RepoPath))
	if err != nil {
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeTimeout,
			Message: "repository busy: " + err.Error(),
		})
	}
	defer release()

	res := gitops.Follow(ctx, s.git, s.log, gitops.FollowRequest{
		RepoPath:     req.RepoPath,
		Branch:       req.Branch,
		WorktreePath: req.WorktreePath,
		MainRepoPath: req.MainRepoPath,
		Enable:       req.Enable,
	})
	if res.Error != "" {
		s.log.Warn().Str("repo", req.RepoPath).Str("error", res.Error).Msg("follow request failed")
	}
	return mustEncode(protocol.TypeGitFollowResponse, protocol.GitFollowResponse{
		Success:       res.Success,
		CurrentBranch: res.CurrentBranch,
		Error:         res.Error,
	})
}

func (s *Server) handleGitEvent(ctx context.Context, payload []byte) []byte {
	var ev protocol.GitEventNotify
	if err := json.Unmarshal(payload, &ev); err != nil {
		return invalidPayload(protocol.TypeGitEventNotify, err)
	}
	if ev.RepoPath == "" || !protocol.GitEventTypes[ev.Type] {
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeInvalidPayload,
			Message: fmt.Sprintf("git event %q for %q rejected", ev.Type, ev.RepoPath),
		})
	}

	release, err := s.locks.acquire(ctx, repoKey("", ev.RepoPath))
	if err != nil {
		return protocol.EncodeError(&protocol.Error{
			Code:    protocol.CodeTimeout,
			Message: "repository busy: " + err.Error(),
		})
	}
	defer release()

	handled := false
	if s.events != nil {
		handled = s.events(ctx, ev)
	}
	s.log.Debug().Str("repo", ev.RepoPath).Str("type", ev.Type).Bool("handled", handled).Msg("git event")
	return mustEncode(protocol.TypeGitEventAck, protocol.GitEventAck{Handled: handled})
}

// repoKey picks the lock key for repository operations: the main repo when
// known, since that is where config and hooks land.
func repoKey(mainRepo, repo string) string {
	if mainRepo != "" {
		return filepath.Clean(mainRepo)
	}
	return filepath.Clean(repo)
}

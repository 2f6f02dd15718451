package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// activityWindow is how recently a session must have produced output to be
// reported active in list responses.
const activityWindow = 10 * time.Second

type createSessionRequest struct {
	SessionID string            `json:"sessionId,omitempty"`
	Argv      []string          `json:"argv"`
	Cwd       string            `json:"cwd,omitempty"`
	Name      string            `json:"name,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	TitleMode string            `json:"titleMode,omitempty"`
	Env       map[string]string `json:"env,omitempty"`

	GitRepoPath     string `json:"gitRepoPath,omitempty"`
	GitBranch       string `json:"gitBranch,omitempty"`
	GitIsWorktree   bool   `json:"gitIsWorktree,omitempty"`
	GitMainRepoPath string `json:"gitMainRepoPath,omitempty"`
}

type claudeStatus struct {
	Action    string  `json:"action"`
	Duration  int     `json:"durationSeconds"`
	Tokens    float64 `json:"tokensK"`
	Direction string  `json:"direction"`
}

// sessionInfo is the list/get response shape: persisted meta plus the
// detector-derived activity surface.
type sessionInfo struct {
	session.Meta
	Active       bool          `json:"active"`
	ClaudeStatus *claudeStatus `json:"claudeStatus,omitempty"`
}

func toSessionInfo(info session.Info) sessionInfo {
	out := sessionInfo{Meta: info.Meta, Active: info.Activity.Active(activityWindow)}
	if st := info.Activity.Status; st != nil {
		out.ClaudeStatus = &claudeStatus{
			Action:    st.Action,
			Duration:  st.Duration,
			Tokens:    st.Tokens,
			Direction: st.Direction,
		}
	}
	return out
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, http.StatusBadRequest, "argv must name a command")
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "no working directory: "+err.Error())
			return
		}
		cwd = home
	}

	mode, err := activity.ParseTitleMode(req.TitleMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TitleMode == "" {
		mode = s.titleMode
	}
	if activity.ClaudeDynamicOverride(req.Argv) {
		mode = activity.TitleDynamic
	}

	spec := session.Spec{
		SessionID:       req.SessionID,
		Argv:            req.Argv,
		Cwd:             cwd,
		Env:             req.Env,
		Name:            req.Name,
		Cols:            req.Cols,
		Rows:            req.Rows,
		TitleMode:       mode,
		GitRepoPath:     req.GitRepoPath,
		GitBranch:       req.GitBranch,
		GitIsWorktree:   req.GitIsWorktree,
		GitMainRepoPath: req.GitMainRepoPath,
	}

	sess, err := s.manager.Create(spec, nil)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.log.Info().Str("session_id", sess.ID).Strs("argv", req.Argv).Msg("session created")
	writeJSON(w, http.StatusCreated, toSessionInfo(session.Info{Meta: sess.Meta(), Activity: sess.Activity()}))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.List()
	out := make([]sessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toSessionInfo(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	info, err := s.manager.Info(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfo(info))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Remove(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.terms.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionStream serves the raw asciinema file as recorded so far.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rc, err := s.manager.Attach(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, rc)
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.manager.SendInput(id, []byte(req.Text)); err != nil {
		writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionResize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := s.manager.Resize(id, req.Cols, req.Rows); err != nil {
		writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown session "+id)
	case errors.Is(err, session.ErrExited):
		writeError(w, http.StatusConflict, "session "+id+" has exited")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

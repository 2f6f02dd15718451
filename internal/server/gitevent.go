package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

// handleGitEvent accepts repository events from installed hooks. The same
// sink serves GIT_EVENT_NOTIFY frames on the control socket; posting here is
// the HTTP half of that topology.
func (s *Server) handleGitEvent(w http.ResponseWriter, r *http.Request) {
	var ev protocol.GitEventNotify
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.RepoPath == "" || !protocol.GitEventTypes[ev.Type] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("git event %q for %q rejected", ev.Type, ev.RepoPath))
		return
	}

	handled := false
	if s.events != nil {
		handled = s.events(r.Context(), ev)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handled": handled})
}

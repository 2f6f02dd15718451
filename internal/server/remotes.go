package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
)

// remoteRegistration is the body remotes POST when registering. The token
// is the bearer credential this HQ must present on calls back to them.
type remoteRegistration struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// remoteInfo is one list entry: registry record plus current session claims.
type remoteInfo struct {
	hq.Remote
	Sessions []string `json:"sessions"`
}

func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	var reg remoteRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	remote := hq.Remote{ID: reg.ID, Name: reg.Name, URL: reg.URL, Token: reg.Token}
	if err := s.registry.Register(remote); err != nil {
		if errors.Is(err, hq.ErrNameTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.SetRemotes(len(s.registry.List()))
	s.log.Info().Str("remote_id", reg.ID).Str("name", reg.Name).Str("url", reg.URL).Msg("remote registered")

	registered, _ := s.registry.Lookup(reg.ID)
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	remotes := s.registry.List()
	out := make([]remoteInfo, 0, len(remotes))
	for _, remote := range remotes {
		out = append(out, remoteInfo{
			Remote:   remote,
			Sessions: s.registry.SessionsOf(remote.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "remoteID")
	if !s.registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "unknown remote "+id)
		return
	}
	metrics.SetRemotes(len(s.registry.List()))
	s.log.Info().Str("remote_id", id).Msg("remote unregistered")
	w.WriteHeader(http.StatusNoContent)
}

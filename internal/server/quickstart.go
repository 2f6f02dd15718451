package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vibetunnel/vibetunnel/internal/config"
)

type quickStartPayload struct {
	Commands []config.QuickStartCommand `json:"quickStartCommands"`
}

func (s *Server) handleGetQuickStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, quickStartPayload{Commands: s.store.Get().QuickStartCommands})
}

func (s *Server) handlePutQuickStart(w http.ResponseWriter, r *http.Request) {
	var req quickStartPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.store.UpdateQuickStartCommands(req.Commands); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quickStartPayload{Commands: s.store.Get().QuickStartCommands})
}

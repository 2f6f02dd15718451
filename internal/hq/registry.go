// Package hq implements the federation layer: an HQ instance keeps a
// registry of remote instances and polls each one for the sessions it
// owns; a remote instance registers itself with HQ on startup and
// detaches on shutdown. Authentication is asymmetric: HQ calls remotes
// with a bearer token the remote minted, remotes call HQ with Basic
// credentials.
package hq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/logger"
)

// ErrNameTaken reports a registration whose name belongs to another remote.
var ErrNameTaken = errors.New("remote name already registered")

const (
	refreshInterval = 10 * time.Second
	refreshTimeout  = 5 * time.Second
)

// Remote is one registered peer instance.
type Remote struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Token        string    `json:"-"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Registry tracks remotes and which sessions each one owns. Ownership is
// rebuilt from every remote's session list on a fixed interval.
type Registry struct {
	log    zerolog.Logger
	client *http.Client

	mu       sync.RWMutex
	remotes  map[string]Remote
	sessions map[string][]string // remote id -> owned session ids
	owners   map[string]string   // session id -> remote id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		log:      logger.WithComponent("hq"),
		client:   &http.Client{Timeout: refreshTimeout},
		remotes:  make(map[string]Remote),
		sessions: make(map[string][]string),
		owners:   make(map[string]string),
	}
}

// Register adds a remote or, when the id is already known, replaces its
// details. Re-registration with the same id is how remotes survive
// reconnects; a different id claiming an existing name is rejected.
func (r *Registry) Register(remote Remote) error {
	if remote.ID == "" || remote.Name == "" || remote.URL == "" {
		return fmt.Errorf("remote registration requires id, name and url")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.remotes {
		if existing.Name == remote.Name && existing.ID != remote.ID {
			return fmt.Errorf("%w: %q is id %s", ErrNameTaken, remote.Name, existing.ID)
		}
	}
	now := time.Now()
	remote.RegisteredAt = now
	remote.LastSeen = now
	r.remotes[remote.ID] = remote
	return nil
}

// Unregister removes a remote and releases its session claims.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remotes[id]; !ok {
		return false
	}
	delete(r.remotes, id)
	r.dropClaimsLocked(id)
	return true
}

// Lookup returns the remote registered under id.
func (r *Registry) Lookup(id string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	remote, ok := r.remotes[id]
	return remote, ok
}

// List returns all remotes ordered by name.
func (r *Registry) List() []Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Remote, 0, len(r.remotes))
	for _, remote := range r.remotes {
		out = append(out, remote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OwnerOf returns the remote that owns sessionID, if any.
func (r *Registry) OwnerOf(sessionID string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[sessionID]
	if !ok {
		return Remote{}, false
	}
	remote, ok := r.remotes[id]
	return remote, ok
}

// SessionsOf returns the session ids last reported by a remote.
func (r *Registry) SessionsOf(remoteID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.sessions[remoteID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SetSessions replaces a remote's session claims and bumps its last-seen
// timestamp. Unknown remote ids are ignored; the remote may have been
// unregistered while a refresh was in flight.
func (r *Registry) SetSessions(remoteID string, sessionIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remote, ok := r.remotes[remoteID]
	if !ok {
		return
	}
	r.dropClaimsLocked(remoteID)
	ids := make([]string, len(sessionIDs))
	copy(ids, sessionIDs)
	r.sessions[remoteID] = ids
	for _, id := range ids {
		r.owners[id] = remoteID
	}
	remote.LastSeen = time.Now()
	r.remotes[remoteID] = remote
}

func (r *Registry) dropClaimsLocked(remoteID string) {
	for _, id := range r.sessions[remoteID] {
		if r.owners[id] == remoteID {
			delete(r.owners, id)
		}
	}
	delete(r.sessions, remoteID)
}

// Run refreshes the ownership map until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh polls every remote's session list. A remote that cannot be
// reached keeps its previous claims; the buffer proxy surfaces its
// unavailability when a client actually subscribes.
func (r *Registry) refresh(ctx context.Context) {
	for _, remote := range r.List() {
		ids, err := r.fetchSessions(ctx, remote)
		if err != nil {
			r.log.Debug().Err(err).Str("remote", remote.Name).Msg("session refresh failed")
			continue
		}
		r.SetSessions(remote.ID, ids)
	}
}

func (r *Registry) fetchSessions(ctx context.Context, remote Remote) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote.URL+"/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+remote.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote returned %s", resp.Status)
	}

	var sessions []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

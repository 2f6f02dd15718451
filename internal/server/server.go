// Package server is the HTTP surface and process wiring. It mounts the
// session API, the buffer WebSocket, the federation routes, and the
// operational endpoints on one chi router, and owns startup/shutdown
// ordering for every subsystem.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/control"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/term"
)

// BearerAuth verifies tokens on requests arriving from the HQ this instance
// registered with. The token subject must match our own remote id.
type BearerAuth struct {
	Secret   []byte
	RemoteID string
}

// BasicCreds are the credentials remotes must present to the HQ routes.
type BasicCreds struct {
	Username string
	Password string
}

// Options wires a Server. Registry and HQAuth are set in HQ mode, Bearer in
// remote mode; all three are nil on a standalone instance.
type Options struct {
	Manager   *session.Manager
	Terms     *term.Hub
	Buffers   *buffers.Aggregator
	Store     *config.Store
	Events    control.EventSink
	Registry  *hq.Registry
	HQAuth    *BasicCreds
	Bearer    *BearerAuth
	TitleMode activity.TitleMode
}

// Server carries the HTTP handlers and their dependencies.
type Server struct {
	log       zerolog.Logger
	manager   *session.Manager
	terms     *term.Hub
	buffers   *buffers.Aggregator
	store     *config.Store
	events    control.EventSink
	registry  *hq.Registry
	hqAuth    *BasicCreds
	bearer    *BearerAuth
	titleMode activity.TitleMode
}

func New(opts Options) *Server {
	mode := opts.TitleMode
	if mode == "" {
		mode = activity.TitleNone
	}
	return &Server{
		log:       logger.WithComponent("http"),
		manager:   opts.Manager,
		terms:     opts.Terms,
		buffers:   opts.Buffers,
		store:     opts.Store,
		events:    opts.Events,
		registry:  opts.Registry,
		hqAuth:    opts.HQAuth,
		bearer:    opts.Bearer,
		titleMode: mode,
	}
}

// Router mounts every route. Remote instances verify bearer tokens on any
// request that presents one; HQ instances additionally expose the remotes
// API behind Basic auth and a registration rate limit.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.bearer != nil {
		r.Use(s.verifyBearer)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/buffers", s.buffers)

	r.Route("/api", func(api chi.Router) {
		api.Route("/sessions", func(sr chi.Router) {
			sr.Get("/", s.handleListSessions)
			sr.Post("/", s.handleCreateSession)
			sr.Route("/{sessionID}", func(one chi.Router) {
				one.Get("/", s.handleGetSession)
				one.Delete("/", s.handleDeleteSession)
				one.Get("/stream", s.handleSessionStream)
				one.Post("/input", s.handleSessionInput)
				one.Post("/resize", s.handleSessionResize)
			})
		})

		api.Post("/git/event", s.handleGitEvent)

		api.Route("/config/quick-start", func(qs chi.Router) {
			qs.Get("/", s.handleGetQuickStart)
			qs.Put("/", s.handlePutQuickStart)
		})

		if s.registry != nil {
			api.Route("/remotes", func(rr chi.Router) {
				register := rr.With(registrationLimit(), s.requireBasic)
				register.Post("/", s.handleRegisterRemote)
				register.Post("/register", s.handleRegisterRemote)
				rr.Get("/", s.handleListRemotes)
				rr.With(s.requireBasic).Delete("/{remoteID}", s.handleDeleteRemote)
			})
		}
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyBearer rejects requests carrying an invalid or foreign bearer token.
// Requests without an Authorization header pass through: local access is the
// outer transport's concern, HQ always presents the token it was handed.
func (s *Server) verifyBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		subject, err := hq.VerifyToken(s.bearer.Secret, token)
		if err != nil || subject != s.bearer.RemoteID {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBasic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.hqAuth.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.hqAuth.Password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="vibetunnel-hq"`)
			writeError(w, http.StatusUnauthorized, "hq credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registrationLimit bounds remote registration churn per source IP.
func registrationLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		10,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many registration attempts")
		}),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

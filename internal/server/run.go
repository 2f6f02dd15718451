package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/control"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/gitops"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/stream"
	"github.com/vibetunnel/vibetunnel/internal/term"
)

// ErrPortInUse marks a listen failure on an occupied port; the CLI maps it
// to exit code 9.
var ErrPortInUse = errors.New("port already in use")

const (
	// shutdownTimeout is the global deadline for the ordered teardown.
	shutdownTimeout = 5 * time.Second
	// sessionKillGrace is how long children get between SIGTERM and SIGKILL.
	sessionKillGrace = 2 * time.Second
)

// Run wires every subsystem and blocks until ctx is cancelled or a
// subsystem fails. Startup order: config store, session manager, control
// socket, materializer pool, aggregator, HTTP, HQ registration; shutdown
// runs the reverse under one deadline. git may be nil when no Git
// capability is available.
func Run(ctx context.Context, opts *config.Options, git gitops.GitOps) error {
	log := logger.WithComponent("server")

	if err := enforceSingleInstance(log); err != nil {
		log.Warn().Err(err).Msg("single-instance scan failed")
	}

	errs := dedup.NewSink(logger.WithComponent("errors"))

	cfgPath, err := config.DefaultConfigPath()
	if err != nil {
		return err
	}
	store, err := config.NewStore(cfgPath, logger.WithComponent("config"))
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	if err := store.Watch(); err != nil {
		log.Warn().Err(err).Msg("config reload watcher unavailable")
	}

	manager, err := session.NewManager(opts.ControlDir, errs)
	if err != nil {
		store.Close()
		return fmt.Errorf("session manager: %w", err)
	}
	manager.Cleanup(opts.CleanupAgeDuration())

	streams := stream.NewHub(logger.WithComponent("stream"), errs)
	terms := term.NewHub(opts.ControlDir, streams, logger.WithComponent("term"), errs)

	if git == nil {
		git = gitops.Unavailable{}
	}
	git = gitops.WithTimeout(git, gitops.DefaultTimeout)
	events := gitEventSink(git, log)

	// Federation roles. HQ keeps a registry and proxies remote sessions;
	// a remote registers itself and verifies HQ's bearer token.
	var (
		registry *hq.Registry
		upstream *hq.Upstream
		hqClient *hq.Client
		bearer   *BearerAuth
		hqAuth   *BasicCreds
	)
	if opts.HQ.Enabled {
		registry = hq.NewRegistry()
		upstream = hq.NewUpstream(registry)
		hqAuth = &BasicCreds{Username: opts.HQ.AuthUsername, Password: opts.HQ.AuthPassword}
	}
	if opts.HQ.URL != "" {
		secret, err := hq.GenerateSecret()
		if err != nil {
			store.Close()
			return err
		}
		hqClient, err = hq.NewClient(hq.ClientOptions{
			HQURL:  opts.HQ.URL,
			User:   opts.HQ.Username,
			Pass:   opts.HQ.Password,
			Name:   remoteName(opts),
			URL:    advertiseURL(opts),
			Secret: secret,
		})
		if err != nil {
			store.Close()
			return err
		}
		bearer = &BearerAuth{Secret: secret, RemoteID: hqClient.Remote().ID}
	}

	aggOpts := buffers.Options{
		Hub: terms,
		Exists: func(id string) bool {
			_, err := manager.Info(id)
			return err == nil
		},
	}
	if upstream != nil {
		aggOpts.Remotes = upstream
	}
	agg := buffers.NewAggregator(aggOpts)

	httpSrv := New(Options{
		Manager:   manager,
		Terms:     terms,
		Buffers:   agg,
		Store:     store,
		Events:    events,
		Registry:  registry,
		HQAuth:    hqAuth,
		Bearer:    bearer,
		TitleMode: titleMode(opts),
	})

	apiSock := control.NewServer(control.Options{
		SocketPath: config.APISocketPath(opts.ControlDir),
		Status: func() (int, string) {
			return opts.Port, fmt.Sprintf("http://%s:%d", opts.Bind, opts.Port)
		},
		Git:    git,
		Events: events,
	})

	addr := net.JoinHostPort(opts.Bind, strconv.Itoa(opts.Port))
	ln, err := listenWeb(addr)
	if err != nil {
		store.Close()
		return err
	}

	web := &http.Server{
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Control socket lifetime is managed by the ordered teardown, not by
	// group cancellation, so it outlives the HTTP drain.
	controlCtx, stopControl := context.WithCancel(context.Background())
	defer stopControl()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiSock.ListenAndServe(controlCtx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("http listening")
		if err := web.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if registry != nil {
		g.Go(func() error {
			registry.Run(gctx)
			return nil
		})
	}
	if hqClient != nil {
		g.Go(func() error {
			if err := hqClient.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		web.Shutdown(shutCtx)
		agg.Close()
		stopControl()
		if hqClient != nil {
			hqClient.Detach()
		}
		if upstream != nil {
			upstream.Close()
		}
		terms.Close()
		streams.Close()
		manager.Shutdown(sessionKillGrace)
		store.Close()
		return nil
	})

	return g.Wait()
}

// listenWeb binds the HTTP port, translating an occupied port into the
// sentinel the CLI turns into its dedicated exit code.
func listenWeb(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %s: %w", addr, ErrPortInUse)
		}
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// gitEventSink resolves whether an event landed in a followed repository.
// It serves both the control socket and POST /api/git/event.
func gitEventSink(git gitops.GitOps, log zerolog.Logger) control.EventSink {
	return func(ctx context.Context, ev protocol.GitEventNotify) bool {
		worktree, err := gitops.State(ctx, git, log, ev.RepoPath)
		if err != nil {
			log.Debug().Str("repo", ev.RepoPath).Str("type", ev.Type).Err(err).Msg("git event: follow state unavailable")
			return false
		}
		if worktree == "" {
			return false
		}
		log.Info().Str("repo", ev.RepoPath).Str("type", ev.Type).Str("worktree", worktree).Msg("git event in followed repository")
		return true
	}
}

func titleMode(opts *config.Options) activity.TitleMode {
	mode, err := activity.ParseTitleMode(opts.TitleMode)
	if err != nil {
		return activity.TitleNone
	}
	return mode
}

func remoteName(opts *config.Options) string {
	if opts.HQ.Name != "" {
		return opts.HQ.Name
	}
	host, err := os.Hostname()
	if err != nil {
		return "remote"
	}
	return host
}

// advertiseURL is the address HQ calls this remote back on. The bind
// address is only used when it names a concrete interface.
func advertiseURL(opts *config.Options) string {
	if opts.HQ.AdvertiseURL != "" {
		return opts.HQ.AdvertiseURL
	}
	host := opts.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(opts.Port)))
}

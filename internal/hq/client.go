package hq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/logger"
)

// ErrAuthRejected is returned when HQ rejects the registration credentials.
var ErrAuthRejected = errors.New("hq rejected registration credentials")

const (
	registerBaseDelay = 100 * time.Millisecond
	registerMaxDelay  = 30 * time.Second
	registerTimeout   = 10 * time.Second
	detachTimeout     = 500 * time.Millisecond
)

// ClientOptions configure a remote's connection to its HQ.
type ClientOptions struct {
	HQURL string // e.g. "http://hq.example.com:4020"
	User  string // Basic auth for remote -> HQ calls
	Pass  string

	Name   string // display name advertised to HQ
	URL    string // URL HQ should call this remote back on
	Secret []byte // token signing secret; this remote verifies HQ calls with it
}

// Client registers this instance with an HQ and detaches on shutdown.
type Client struct {
	hqURL  string
	user   string
	pass   string
	remote Remote
	http   *http.Client
	log    zerolog.Logger
}

// NewClient mints a fresh remote identity for this process. The id is a
// new UUID; it is reused across registration retries so HQ sees one
// remote no matter how many attempts the registration takes.
func NewClient(opts ClientOptions) (*Client, error) {
	id := uuid.NewString()
	token, err := MintToken(opts.Secret, id)
	if err != nil {
		return nil, err
	}
	return &Client{
		hqURL: strings.TrimSuffix(opts.HQURL, "/"),
		user:  opts.User,
		pass:  opts.Pass,
		remote: Remote{
			ID:    id,
			Name:  opts.Name,
			URL:   strings.TrimSuffix(opts.URL, "/"),
			Token: token,
		},
		http: &http.Client{Timeout: registerTimeout},
		log:  logger.WithComponent("hq"),
	}, nil
}

// Remote returns the identity this client registers under.
func (c *Client) Remote() Remote {
	return c.remote
}

// Run registers with HQ, retrying with exponential backoff until the
// registration lands or ctx is cancelled. Rejected credentials stop the
// retries; anything else is treated as transient.
func (c *Client) Run(ctx context.Context) error {
	delay := registerBaseDelay
	for {
		err := c.register(ctx)
		if err == nil {
			c.log.Info().Str("hq", c.hqURL).Str("remote_id", c.remote.ID).Msg("registered with hq")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("hq registration failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > registerMaxDelay {
			delay = registerMaxDelay
		}
	}
}

type registration struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

func (c *Client) register(ctx context.Context) error {
	body, err := json.Marshal(registration{
		ID:    c.remote.ID,
		Name:  c.remote.Name,
		URL:   c.remote.URL,
		Token: c.remote.Token,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hqURL+"/api/remotes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthRejected
	default:
		return fmt.Errorf("hq returned %s", resp.Status)
	}
}

// Detach tells HQ this remote is going away. Shutdown must not hang on an
// unreachable HQ, so the whole exchange is bounded and failures are only
// logged.
func (c *Client) Detach() {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.hqURL+"/api/remotes/"+c.remote.ID, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("hq detach failed")
		return
	}
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("hq detach failed")
		return
	}
	resp.Body.Close()
	c.log.Info().Str("remote_id", c.remote.ID).Msg("detached from hq")
}

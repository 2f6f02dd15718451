package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options are process-level daemon settings, read once at startup from an
// optional YAML file plus environment overrides. User preferences that
// change at runtime live in Config (config.json) instead.
type Options struct {
	Port       int    `yaml:"port,omitempty"`
	Bind       string `yaml:"bind,omitempty"`
	ControlDir string `yaml:"control_dir,omitempty"`
	TitleMode  string `yaml:"title_mode,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty"`
	LogFile    string `yaml:"log_file,omitempty"`
	CleanupAge string `yaml:"cleanup_age,omitempty"` // stale session GC age

	// HQ holds federation settings. URL set: this instance registers with
	// that HQ as a remote. Enabled set: this instance is the HQ.
	HQ HQOptions `yaml:"hq,omitempty"`
}

// HQOptions configure federation for either role.
type HQOptions struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Remote role: where to register and what to announce.
	URL          string `yaml:"url,omitempty"`
	Name         string `yaml:"name,omitempty"`
	AdvertiseURL string `yaml:"advertise_url,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`

	// HQ role: Basic auth credentials remotes must present.
	AuthUsername string `yaml:"auth_username,omitempty"`
	AuthPassword string `yaml:"auth_password,omitempty"`
}

// LoadOptions reads the YAML options file when path is non-empty, applies
// environment overrides, fills defaults, and validates. A missing explicit
// file is an error; path == "" starts from defaults.
func LoadOptions(path string) (*Options, error) {
	var opts Options
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read options file: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return nil, fmt.Errorf("parse options file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("PORT=%q: %w", port, err)
		}
		opts.Port = n
	}
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		opts.ControlDir = dir
	}
	if mode := os.Getenv("VIBETUNNEL_TITLE_MODE"); mode != "" {
		opts.TitleMode = mode
	}

	if opts.Port == 0 {
		opts.Port = 4020
	}
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1"
	}
	if opts.ControlDir == "" {
		dir, err := ControlDir()
		if err != nil {
			return nil, err
		}
		opts.ControlDir = dir
	}
	if opts.CleanupAge == "" {
		opts.CleanupAge = "24h"
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Validate checks option invariants.
func (o *Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d out of range", o.Port)
	}
	if _, err := time.ParseDuration(o.CleanupAge); err != nil {
		return fmt.Errorf("cleanup_age: %w", err)
	}
	if o.HQ.Enabled && o.HQ.URL != "" {
		return fmt.Errorf("hq.enabled and hq.url are mutually exclusive")
	}
	if o.HQ.URL != "" {
		if _, err := url.Parse(o.HQ.URL); err != nil {
			return fmt.Errorf("hq.url: %w", err)
		}
		if o.HQ.Username == "" || o.HQ.Password == "" {
			return fmt.Errorf("hq.username and hq.password are required to register with an HQ")
		}
	}
	return nil
}

// CleanupAgeDuration returns the parsed GC age. Validate has already run.
func (o *Options) CleanupAgeDuration() time.Duration {
	d, _ := time.ParseDuration(o.CleanupAge)
	return d
}

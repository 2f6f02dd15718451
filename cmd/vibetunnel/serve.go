package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFile    string

		port       int
		bind       string
		controlDir string
		titleMode  string
		cleanupAge string

		hqMode         bool
		hqAuthUsername string
		hqAuthPassword string

		hqURL          string
		hqName         string
		hqAdvertiseURL string
		hqUsername     string
		hqPassword     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the vibetunnel server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.LoadOptions(configPath)
			if err != nil {
				return err
			}

			// Flags beat the options file and the environment.
			flags := cmd.Flags()
			if flags.Changed("port") {
				opts.Port = port
			}
			if flags.Changed("bind") {
				opts.Bind = bind
			}
			if flags.Changed("control-dir") {
				opts.ControlDir = controlDir
			}
			if flags.Changed("title-mode") {
				opts.TitleMode = titleMode
			}
			if flags.Changed("cleanup-age") {
				opts.CleanupAge = cleanupAge
			}
			if flags.Changed("log-level") {
				opts.LogLevel = logLevel
			}
			if flags.Changed("log-file") {
				opts.LogFile = logFile
			}
			if flags.Changed("hq") {
				opts.HQ.Enabled = hqMode
			}
			if flags.Changed("hq-auth-username") {
				opts.HQ.AuthUsername = hqAuthUsername
			}
			if flags.Changed("hq-auth-password") {
				opts.HQ.AuthPassword = hqAuthPassword
			}
			if flags.Changed("hq-url") {
				opts.HQ.URL = hqURL
			}
			if flags.Changed("hq-name") {
				opts.HQ.Name = hqName
			}
			if flags.Changed("hq-advertise-url") {
				opts.HQ.AdvertiseURL = hqAdvertiseURL
			}
			if flags.Changed("hq-username") {
				opts.HQ.Username = hqUsername
			}
			if flags.Changed("hq-password") {
				opts.HQ.Password = hqPassword
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			logger.Configure(logger.Config{Level: opts.LogLevel, File: opts.LogFile})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Git command execution is intentionally not wired here; the
			// server degrades to reporting follow mode unavailable.
			return server.Run(ctx, opts, nil)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML options file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "copy log output to this file")
	cmd.Flags().IntVar(&port, "port", 4020, "HTTP listen port")
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "HTTP listen address")
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "session state directory (default ~/.vibetunnel)")
	cmd.Flags().StringVar(&titleMode, "title-mode", "", "default title mode for new sessions (none, filter, static, dynamic)")
	cmd.Flags().StringVar(&cleanupAge, "cleanup-age", "24h", "remove exited sessions older than this at startup")
	cmd.Flags().BoolVar(&hqMode, "hq", false, "act as an HQ for remote instances")
	cmd.Flags().StringVar(&hqAuthUsername, "hq-auth-username", "", "Basic auth username remotes must present (HQ mode)")
	cmd.Flags().StringVar(&hqAuthPassword, "hq-auth-password", "", "Basic auth password remotes must present (HQ mode)")
	cmd.Flags().StringVar(&hqURL, "hq-url", "", "register with the HQ at this URL")
	cmd.Flags().StringVar(&hqName, "hq-name", "", "name to register under (default hostname)")
	cmd.Flags().StringVar(&hqAdvertiseURL, "hq-advertise-url", "", "URL the HQ should call back on")
	cmd.Flags().StringVar(&hqUsername, "hq-username", "", "Basic auth username for registering with HQ")
	cmd.Flags().StringVar(&hqPassword, "hq-password", "", "Basic auth password for registering with HQ")

	return cmd
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium"
)

type serveOptions struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
	heartbeat  time.Duration
	ping       time.Duration
	noMetrics  bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		Long: `Start the collaboration server and block until it shuts down.

Flags override the config file, which overrides the built-in defaults.
The server drains gracefully on SIGINT or SIGTERM: clients get a
maintenance notice before their connections close.

Examples:
  atriumd serve
  atriumd serve --config /etc/atrium/atrium.yaml
  atriumd serve --addr :9000 --log-format json
  atriumd serve --ping-interval 0s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat-timeout", 0, "Evict connections silent for this long")
	cmd.Flags().DurationVar(&opts.ping, "ping-interval", 0, "Interval between server pings, 0 disables")
	cmd.Flags().BoolVar(&opts.noMetrics, "no-metrics", false, "Disable the Prometheus /metrics endpoint")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg := atrium.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := atrium.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.heartbeat > 0 {
		cfg.Timeouts.HeartbeatTimeout = atrium.Duration(opts.heartbeat)
	}
	// 0 disables pings, so flag presence decides rather than the value.
	if cmd.Flags().Changed("ping-interval") {
		cfg.Timeouts.PingInterval = atrium.Duration(opts.ping)
	}
	if opts.noMetrics {
		cfg.Observability.Metrics = false
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := atrium.New(cfg)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

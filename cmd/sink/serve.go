package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/sink"
)

func newServeCommand(cc *commandContext) *cobra.Command {
	var listen, publicURL, token string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sink server (WebSocket /stream, tus /files)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			cfg.Listen = firstNonEmpty(strings.TrimSpace(listen), cfg.Listen)
			cfg.PublicURL = strings.TrimRight(firstNonEmpty(strings.TrimSpace(publicURL), cfg.PublicURL), "/")
			cfg.Token = firstNonEmpty(strings.TrimSpace(token), cfg.Token)
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}

			logger := newLogger(cfg.Logging.Level, cfg.Debug)
			logger.Info("sink starting", logging.Fields{
				"listen":     cfg.Listen,
				"public_url": cfg.PublicURL,
				"data_dir":   cfg.DataDir,
				"db_driver":  cfg.DBDriver,
				"auth":       cfg.Token != "",
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			observability.MustRegister()

			srv, err := sink.New(sink.Config{
				DataDir:       cfg.DataDir,
				PublicURL:     cfg.PublicURL,
				Token:         cfg.Token,
				MaxChunkBytes: cfg.MaxChunkBytes,
			}, st, logger)
			if err != nil {
				return err
			}
			defer srv.Close()
			prometheus.MustRegister(srv.Collector())

			return sink.Run(ctx, sink.NewHTTPServer(cfg.Listen, srv.Handler()), logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&listen, "listen", "", "Listen address (e.g. :1080)")
	fl.StringVar(&publicURL, "public-url", "", "Public URL prefix used in recording URLs")
	fl.StringVar(&token, "token", "", "Bearer token required for uploads")
	fl.BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

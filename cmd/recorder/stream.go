package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/config"
	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/media"
	"github.com/dalbodeule/hop-record/internal/streamer"
	"github.com/dalbodeule/hop-record/internal/transport"
)

// closeTimeout 은 소스가 끝난 뒤 남은 청크와 close 응답을 기다리는 최대 시간입니다.
const closeTimeout = 2 * time.Minute

type streamFlags struct {
	transport  string
	endpoint   string
	token      string
	filename   string
	metadata   string
	mimeType   string
	chunkSize  int
	ackTimeout time.Duration
	timeslice  time.Duration
	realtime   bool
	debug      bool
}

func newStreamCommand(configFlag *string) *cobra.Command {
	var f streamFlags

	cmd := &cobra.Command{
		Use:   "stream [file|-]",
		Short: "Stream a media file or stdin as a live recording",
		Long: "stream 은 파일(또는 stdin)을 녹화 소스로 사용해 청크 단위로 전송합니다.\n" +
			"소스가 끝나면 세션을 정상 종료하고 녹화 URL 을 출력합니다. Ctrl+C 는 세션을 중단합니다.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(*configFlag)
			if err != nil {
				return err
			}
			applyStreamFlags(cmd, cfg, &f)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Logging.Level, cfg.Debug)
			logger.Info("recorder starting", logging.Fields{
				"transport":  cfg.Transport,
				"endpoint":   cfg.Endpoint,
				"token_mask": maskToken(cfg.Token),
				"chunk_size": cfg.ChunkSize,
			})

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			rc, err := openSource(cmd, path)
			if err != nil {
				return err
			}
			if cfg.Filename == "" && path != "-" {
				cfg.Filename = filenameOf(path)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			url, err := runStream(ctx, cfg, media.NewReaderSource(rc), logger)
			if err != nil {
				return err
			}
			if url != "" {
				fmt.Fprintln(cmd.OutOrStdout(), url)
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.transport, "transport", "", "Transport to use: ws or tus")
	fl.StringVar(&f.endpoint, "endpoint", "", "Sink endpoint (ws://host/stream or http://host/files)")
	fl.StringVar(&f.token, "token", "", "Bearer token for the sink")
	fl.StringVar(&f.filename, "filename", "", "Upload filename metadata (tus)")
	fl.StringVar(&f.metadata, "metadata", "", "Extra upload metadata k1=v1,k2=v2 (tus)")
	fl.StringVar(&f.mimeType, "mime-type", "", "Recording MIME type")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "Maximum bytes per tus PATCH request")
	fl.DurationVar(&f.ackTimeout, "ack-timeout", 0, "Maximum wait for each acknowledgement (0 disables)")
	fl.DurationVar(&f.timeslice, "timeslice", 0, "Recorder chunk interval")
	fl.BoolVar(&f.realtime, "realtime", false, "Read the source at the configured bitrate")
	fl.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	return cmd
}

// applyStreamFlags 는 CLI 인자를 설정 위에 덮어씁니다. (CLI > env > 설정 파일)
func applyStreamFlags(cmd *cobra.Command, cfg *config.ClientConfig, f *streamFlags) {
	cfg.Transport = strings.ToLower(firstNonEmpty(strings.TrimSpace(f.transport), cfg.Transport))
	cfg.Endpoint = firstNonEmpty(strings.TrimSpace(f.endpoint), cfg.Endpoint)
	cfg.Token = firstNonEmpty(strings.TrimSpace(f.token), cfg.Token)
	cfg.Filename = firstNonEmpty(strings.TrimSpace(f.filename), cfg.Filename)
	cfg.MimeType = firstNonEmpty(strings.TrimSpace(f.mimeType), cfg.MimeType)

	fl := cmd.Flags()
	if md := config.ParseMetadata(f.metadata); md != nil {
		cfg.Metadata = md
	}
	if fl.Changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if fl.Changed("ack-timeout") {
		cfg.AckTimeout = f.ackTimeout
	}
	if fl.Changed("timeslice") {
		cfg.Timeslice = f.timeslice
	}
	if fl.Changed("realtime") {
		cfg.Realtime = f.realtime
	}
	if fl.Changed("debug") {
		cfg.Debug = f.debug
	}
}

func openSource(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		// stdin 은 닫아도 Read 가 풀리지 않지만, ReaderSource.Stop 이 대기 중인 읽기를 EOF 로 끝냅니다.
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return f, nil
}

func filenameOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func newTransport(cfg *config.ClientConfig, logger logging.Logger) transport.Transport {
	switch cfg.Transport {
	case config.TransportTus:
		return transport.NewTusTransport(transport.TusConfig{
			Endpoint:    cfg.Endpoint,
			Token:       cfg.Token,
			Filename:    cfg.Filename,
			Metadata:    cfg.Metadata,
			ChunkSize:   cfg.ChunkSize,
			RetryDelays: cfg.RetryDelays,
			Logger:      logger,
			Progress:    progressLogger(logger),
		})
	default:
		header := http.Header{}
		if cfg.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Token)
		}
		return transport.NewWebsocketTransport(transport.WebsocketConfig{
			Endpoint: cfg.Endpoint,
			Header:   header,
			Logger:   logger,
		})
	}
}

// progressLogger 는 업로드 진행 상황을 debug 로그로 남기는 Progress 훅을 만듭니다.
func progressLogger(logger logging.Logger) func(sent, total int64) {
	if logger == nil {
		return nil
	}
	return func(sent, total int64) {
		logger.Debug("upload progress", logging.Fields{
			logging.FieldDir: logging.DirToBucket,
			"sent":           sent,
			"total":          total,
		})
	}
}

// runStream 은 세션 하나를 열고, 소스가 끝나면 정상 종료, ctx 가 끝나면 중단합니다.
func runStream(ctx context.Context, cfg *config.ClientConfig, src media.Source, logger logging.Logger) (string, error) {
	s := streamer.New(newTransport(cfg, logger), streamer.Config{
		Options: media.Options{
			Timeslice:          cfg.Timeslice,
			MimeType:           cfg.MimeType,
			VideoBitsPerSecond: cfg.VideoBitsPerSecond,
			AudioBitsPerSecond: cfg.AudioBitsPerSecond,
			Realtime:           cfg.Realtime,
		},
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	})

	if err := s.Open(ctx, src); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}

	select {
	case <-s.CaptureDone():
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		url, err := s.Close(closeCtx, false)
		if err != nil {
			return "", fmt.Errorf("close session: %w", err)
		}
		return url, nil
	case <-ctx.Done():
		logger.Warn("interrupted, aborting session", nil)
		_, _ = s.Close(context.Background(), true)
		return "", ctx.Err()
	case <-s.Done():
		return "", s.Err()
	}
}

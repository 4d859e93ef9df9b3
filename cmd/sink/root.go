package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/config"
	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/store"
)

// firstNonEmpty 는 앞에서부터 처음으로 non-empty 인 문자열을 반환합니다.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// commandContext 는 서브커맨드가 함께 쓰는 설정 로딩 상태입니다.
type commandContext struct {
	configFlag string
	dataDir    string
	dbDriver   string
	dbDSN      string
}

func (c *commandContext) loadConfig() (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(c.configFlag)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = firstNonEmpty(strings.TrimSpace(c.dataDir), cfg.DataDir)
	cfg.DBDriver = strings.ToLower(firstNonEmpty(strings.TrimSpace(c.dbDriver), cfg.DBDriver))
	cfg.DBDSN = firstNonEmpty(strings.TrimSpace(c.dbDSN), cfg.DBDSN)
	return cfg, nil
}

// openStore 는 카탈로그를 엽니다. sqlite DSN 이 비어 있으면 DataDir/recordings.db 를 씁니다.
func openStore(ctx context.Context, cfg *config.ServerConfig, logger logging.Logger) (*store.Store, error) {
	dsn := cfg.DBDSN
	if dsn == "" && cfg.DBDriver == store.DriverSQLite {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(cfg.DataDir, "recordings.db")
	}
	return store.Open(ctx, logger, store.Config{Driver: cfg.DBDriver, DSN: dsn})
}

func newLogger(level string, debug bool) logging.Logger {
	lvl := logging.ParseLevel(level)
	if debug {
		lvl = logging.DebugLevel
	}
	return logging.NewStdJSONLoggerWithLevel("sink", lvl)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "hop-sink",
		Short:         "Receive and catalog hop-record recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (TOML)")
	pf.StringVar(&ctx.dataDir, "data-dir", "", "Directory for recordings and journals")
	pf.StringVar(&ctx.dbDriver, "db-driver", "", "Catalog driver: sqlite or postgres")
	pf.StringVar(&ctx.dbDSN, "db-dsn", "", "Catalog DSN (default: <data-dir>/recordings.db)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newJournalCommand())
	return rootCmd
}

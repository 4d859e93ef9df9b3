package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/logging"
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

// maskToken 은 로그에 노출할 때 토큰을 일부만 보여주기 위한 헬퍼입니다.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func newLogger(level string, debug bool) logging.Logger {
	lvl := logging.ParseLevel(level)
	if debug {
		lvl = logging.DebugLevel
	}
	return logging.NewStdJSONLoggerWithLevel("recorder", lvl)
}

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "hop-record",
		Short:         "Stream recordings to a hop-record sink",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newStreamCommand(&configFlag))
	return rootCmd
}

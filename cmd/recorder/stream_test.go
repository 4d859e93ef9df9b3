package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-record/internal/config"
	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/transport"
)

func TestApplyStreamFlagsOverridesConfig(t *testing.T) {
	var f streamFlags
	cmd := newStreamCommand(new(string))
	require.NoError(t, cmd.Flags().Parse([]string{
		"--transport", "TUS",
		"--endpoint", "http://sink/files",
		"--chunk-size", "42",
		"--metadata", "room=a,take=2",
	}))
	// 파싱 결과를 streamFlags 로 다시 읽어옵니다.
	f.transport, _ = cmd.Flags().GetString("transport")
	f.endpoint, _ = cmd.Flags().GetString("endpoint")
	f.chunkSize, _ = cmd.Flags().GetInt("chunk-size")
	f.metadata, _ = cmd.Flags().GetString("metadata")

	cfg := &config.ClientConfig{
		Transport:  config.TransportWebsocket,
		Endpoint:   "ws://old/stream",
		Token:      "keep",
		ChunkSize:  10000,
		AckTimeout: 30 * time.Second,
	}
	applyStreamFlags(cmd, cfg, &f)

	assert.Equal(t, config.TransportTus, cfg.Transport)
	assert.Equal(t, "http://sink/files", cfg.Endpoint)
	assert.Equal(t, "keep", cfg.Token)
	assert.Equal(t, 42, cfg.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.AckTimeout, "unchanged flags keep config values")
	assert.Equal(t, map[string]string{"room": "a", "take": "2"}, cfg.Metadata)
}

func TestNewTransportPicksImplementation(t *testing.T) {
	_, ok := newTransport(&config.ClientConfig{Transport: config.TransportTus, Endpoint: "http://x/files"}, nil).(*transport.TusTransport)
	assert.True(t, ok)
	_, ok = newTransport(&config.ClientConfig{Transport: config.TransportWebsocket, Endpoint: "ws://x/stream"}, nil).(*transport.WebsocketTransport)
	assert.True(t, ok)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "***", maskToken("short"))
	assert.Equal(t, "abcd...6789", maskToken("abcdef0123456789"))
	assert.Equal(t, "clip.webm", filenameOf("/tmp/rec/clip.webm"))
	assert.Equal(t, "clip.webm", filenameOf("clip.webm"))
}

func TestRootCommandHasStream(t *testing.T) {
	root := newRootCommand()
	var found *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "stream" {
			found = c
		}
	}
	require.NotNil(t, found)
	assert.NotNil(t, found.Flags().Lookup("transport"))
}

func TestProgressLoggerWritesUploadProgress(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewJSONLogger(&buf, "recorder", logging.DebugLevel)
	progressLogger(logger)(4, 10)

	out := buf.String()
	assert.Contains(t, out, "upload progress")
	assert.Contains(t, out, `"sent":4`)
	assert.Contains(t, out, `"total":10`)
	assert.Contains(t, out, logging.DirToBucket)
	assert.Nil(t, progressLogger(nil))
}

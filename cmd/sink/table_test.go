package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-record/internal/protocol"
	"github.com/dalbodeule/hop-record/internal/sink"
)

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "x")
	assert.Contains(t, out, "╭")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}

func TestJournalCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s"+sink.JournalExt)
	j, err := sink.CreateJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(protocol.NewInitReq("video/webm")))
	require.NoError(t, j.Append(protocol.NewStreamHeader(4, "http://x/r")))
	require.NoError(t, j.Append(protocol.NewError("boom")))
	require.NoError(t, j.Close())

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"journal", path})
	require.NoError(t, cmd.Execute())

	s := out.String()
	assert.Contains(t, s, "initReq")
	assert.Contains(t, s, "video/webm")
	assert.Contains(t, s, "streamHeader")
	assert.Contains(t, s, "boom")
	assert.Equal(t, 1, strings.Count(s, "http://x/r"))
}

func TestListCommandEmptyCatalog(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOP_REC_CONFIG", "")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list", "--data-dir", dir, "--db-driver", "sqlite"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No recordings")
}

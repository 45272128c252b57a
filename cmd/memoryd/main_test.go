package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSummaries(&buf, nil))
	assert.Equal(t, "no memory summaries yet\n", buf.String())

	buf.Reset()
	require.NoError(t, printSummaries(&buf, []string{"newest", "older"}))
	assert.Equal(t, "1. newest\n2. older\n", buf.String())
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "summaries", "clear", "summarize"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestClearAndSummariesCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMORYD_CONFIG", "")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "history.db"))
	t.Setenv("VECTOR_MEMORY_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LLM_BASE_URL", "http://127.0.0.1:1/v1")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"clear", "c1"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "cleared c1\n", out.String())

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"summaries", "c1", "-n", "3"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "no memory summaries yet\n", out.String())

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"summarize", "c1"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "c1: insufficient\n", out.String())
}

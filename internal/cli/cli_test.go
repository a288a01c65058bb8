package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ServerMode(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse([]string{"-listen", ":8765", "-workers", "8", "-log-level", "debug"}, out)
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, ":8765", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestParse_OneShotMode(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse([]string{"-f", "flow.yaml", "-inputs", `{"n": 1}`}, out)
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, "flow.yaml", cfg.WorkflowPath)
	assert.Equal(t, `{"n": 1}`, cfg.InputsJSON)
}

func TestParse_NoModePrintsUsage(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse([]string{}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_HelpFlag(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	_, shouldExit, err := Parse([]string{"-h"}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown flag", func(t *testing.T) {
		_, _, err := Parse([]string{"--bogus"}, &bytes.Buffer{})
		require.Error(t, err)
		exitErr, ok := err.(*ExitError)
		require.True(t, ok)
		assert.Equal(t, 2, exitErr.Code)
	})

	t.Run("bad log format", func(t *testing.T) {
		_, _, err := Parse([]string{"-listen", ":1", "-log-format", "xml"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log-format")
	})

	t.Run("bad log level", func(t *testing.T) {
		_, _, err := Parse([]string{"-listen", ":1", "-log-level", "loud"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log-level")
	})

	t.Run("negative workers", func(t *testing.T) {
		_, _, err := Parse([]string{"-listen", ":1", "-workers", "-3"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers must not be negative")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, _, err := Parse([]string{"-listen", ":1", "-config", "/does/not/exist.hcl"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading config file")
	})
}

func TestParse_ConfigFileMerge(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flowgrid.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
server {
  listen  = ":9000"
  workers = 6
}
`), 0600))

	// The flag takes precedence; the file fills in the rest.
	cfg, shouldExit, err := Parse([]string{"-listen", ":7000", "-config", path}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 6, cfg.Workers)

	// Without the flag the file's listen address activates server mode.
	cfg, shouldExit, err = Parse([]string{"-config", path}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, ":9000", cfg.ListenAddr)
}

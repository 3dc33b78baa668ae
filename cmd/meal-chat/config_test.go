package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-meal-chat/internal/config"
)

func TestConfigInit(t *testing.T) {
	t.Setenv("MEAL_LOG_DB_PATH", "")
	path := filepath.Join(t.TempDir(), "meal-chat.yaml")
	out := &bytes.Buffer{}
	configInitCmd.SetOut(out)
	t.Cleanup(func() { forceInit = false })

	require.NoError(t, runConfigInit(configInitCmd, []string{path}))
	assert.Contains(t, out.String(), "wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Sessions, cfg.Sessions)
	assert.Equal(t, 8011, cfg.Server.Port)

	assert.ErrorContains(t, runConfigInit(configInitCmd, []string{path}), "already exists")

	forceInit = true
	assert.NoError(t, runConfigInit(configInitCmd, []string{path}))
}

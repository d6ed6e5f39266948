package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/pool-gateway/internal/credential"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, ".env", opts.envFile)
		assert.Empty(t, opts.configPath)
		assert.Zero(t, opts.port)
	})

	t.Run("values and switches", func(t *testing.T) {
		opts, err := parseFlags([]string{
			"-c", "gw.yaml", "--port", "9000", "-d",
			"--refresh-token", "1//rt", "--owner", "alice", "--public", "--no-verify",
			"cred-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "gw.yaml", opts.configPath)
		assert.Equal(t, 9000, opts.port)
		assert.True(t, opts.debug)
		assert.Equal(t, "1//rt", opts.refreshToken)
		assert.Equal(t, "alice", opts.owner)
		assert.True(t, opts.public)
		assert.True(t, opts.noVerify)
		assert.Equal(t, []string{"cred-1"}, opts.positional)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := parseFlags([]string{"--bogus"})
		assert.ErrorContains(t, err, "unknown flag")

		_, err = parseFlags([]string{"--config"})
		assert.ErrorContains(t, err, "requires a value")

		_, err = parseFlags([]string{"--port", "70000"})
		assert.ErrorContains(t, err, "invalid port")

		_, err = parseFlags([]string{"--help"})
		assert.ErrorIs(t, err, errHelp)
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	cfgFile := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(envFile, []byte("POOL_GW_TEST_PORT=9123\n"), 0600))
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
server:
  port: ${POOL_GW_TEST_PORT}
storage:
  database_path: `+filepath.Join(dir, "pool.db")+`
`), 0600))
	t.Cleanup(func() { _ = os.Unsetenv("POOL_GW_TEST_PORT") })

	cfg, err := loadConfig(options{configPath: cfgFile, envFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, 9123, cfg.Server.Port)

	cfg, err = loadConfig(options{configPath: cfgFile, envFile: envFile, port: 7000, debug: true})
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Monitoring.Log.Level)

	_, err = loadConfig(options{envFile: filepath.Join(dir, "missing.env")})
	assert.NoError(t, err, "a missing env file is not an error")

	_, err = loadConfig(options{configPath: filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestParseImportFile(t *testing.T) {
	reqs, err := parseImportFile([]byte(`{"refresh_token":"1//a","email":"a@example.com"}`))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "1//a", reqs[0].RefreshToken)

	reqs, err = parseImportFile([]byte(`[{"refresh_token":"1//a"},{"refresh_token":"1//b","public":true}]`))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.True(t, reqs[1].Public)

	_, err = parseImportFile([]byte(`{"refresh_token":`))
	assert.Error(t, err)
}

func TestListCredentials(t *testing.T) {
	var buf bytes.Buffer
	err := listCredentials(&buf, []credential.Record{{
		ID:           "c1",
		Label:        "main",
		Email:        "alice@example.com",
		RefreshToken: "1//0gAbCdEfGhIjKl",
		Tier:         credential.TierUpgraded,
		Visibility:   credential.VisibilityPublic,
		Active:       true,
	}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "a***@example.com")
	assert.Contains(t, out, "1//0...IjKl")
	assert.Contains(t, out, "never")
	assert.NotContains(t, out, "1//0gAbCdEfGhIjKl")
}

func TestCredentialCommands_PersistAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(options{})
	require.NoError(t, err)
	cfg.Storage.DatabasePath = filepath.Join(dir, "pool.db")
	cfg.Storage.FlushInterval = time.Hour

	ctx := context.Background()
	s, err := openStack(ctx, cfg)
	require.NoError(t, err)

	err = addCredential(ctx, s, options{refreshToken: "1//persisted", email: "bob@example.com", noVerify: true})
	require.NoError(t, err)

	recs := s.store.All()
	require.Len(t, recs, 1)
	id := recs[0].ID
	require.NoError(t, setCredentialActive(s, options{positional: []string{id}}, false))
	require.NoError(t, s.close(ctx))

	s, err = openStack(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = s.close(ctx) }()

	recs = s.store.All()
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, "1//persisted", recs[0].RefreshToken)
	assert.False(t, recs[0].Active)

	err = addCredential(ctx, s, options{refreshToken: "1//persisted", noVerify: true})
	assert.ErrorIs(t, err, credential.ErrDuplicate)
}

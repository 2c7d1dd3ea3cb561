package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FromFiles(t *testing.T) {
	dir := t.TempDir()
	sourcePath := writeJSON(t, dir, "source.json", `{
		"base_url": "https://www.zohoapis.com",
		"client_id": "id-1",
		"client_secret": "secret-1",
		"refresh_token": "refresh-1"
	}`)
	datastorePath := writeJSON(t, dir, "datastore.json", `{
		"base_url": "https://api.airtable.com",
		"client_id": "id-2",
		"client_secret": "secret-2",
		"refresh_token": "refresh-2"
	}`)

	cfg, err := Load("", sourcePath, datastorePath)
	require.NoError(t, err)
	assert.Equal(t, "id-1", cfg.Source.ClientID)
	assert.Equal(t, "id-2", cfg.Datastore.ClientID)
	assert.Equal(t, DefaultSyncConfig().CoalescingWindow, cfg.Sync.CoalescingWindow)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	sourcePath := writeJSON(t, dir, "source.json", `{
		"base_url": "https://www.zohoapis.com",
		"client_id": "file-id",
		"client_secret": "secret-1",
		"refresh_token": "refresh-1"
	}`)
	datastorePath := writeJSON(t, dir, "datastore.json", `{
		"base_url": "https://api.airtable.com",
		"client_id": "id-2",
		"client_secret": "secret-2",
		"refresh_token": "refresh-2"
	}`)

	t.Setenv("SOURCE_CLIENT_ID", "env-id")

	cfg, err := Load("", sourcePath, datastorePath)
	require.NoError(t, err)
	assert.Equal(t, "env-id", cfg.Source.ClientID)
}

func TestValidate_RejectsMissingCredentials(t *testing.T) {
	cfg := &Config{Sync: DefaultSyncConfig()}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveCoalescingWindow(t *testing.T) {
	cfg := &Config{
		Source:    RemoteConfig{BaseURL: "https://a.example", ClientID: "a", ClientSecret: "a", RefreshToken: "a"},
		Datastore: RemoteConfig{BaseURL: "https://b.example", ClientID: "b", ClientSecret: "b", RefreshToken: "b"},
		Sync:      DefaultSyncConfig(),
	}
	cfg.Sync.CoalescingWindow = 0
	require.Error(t, Validate(cfg))
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJSON_OverlaysOnlyPresentFields(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"http_addr":          ":9090",
		"signing_secret":     "file-secret",
		"token_ttl":          "5m",
		"s3_bucket_photos":   "field-photos",
		"index_safe_append":  false,
		"max_events_per_day": 100,
	})

	var cfg Config
	cfg.LoadDefaults()
	require.NoError(t, parseJSON(&cfg, path))

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "file-secret", cfg.SigningSecret)
	assert.Equal(t, 5*time.Minute, cfg.TokenTTL)
	assert.Equal(t, "field-photos", cfg.PhotosBucket)
	assert.False(t, cfg.IndexSafeAppend)
	assert.Equal(t, 100, cfg.MaxEventsPerDay)

	// untouched defaults
	assert.Equal(t, "clips", cfg.ClipsBucket)
	assert.Equal(t, 5, cfg.MaxIndexRetries)
	assert.Equal(t, 15*time.Minute, cfg.PresignGetTTL)
}

func Test_parseJSON_Errors(t *testing.T) {
	var cfg Config

	err := parseJSON(&cfg, filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))
	require.Error(t, parseJSON(&cfg, bad))
}

func TestLoadConfig_EnvWinsOverFile(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"max_index_retries": 3,
		"env":               "staging",
	})

	cfg, err := LoadConfig([]string{"-c", path}, envMap(map[string]string{"MAX_INDEX_RETRIES": "9"}))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.MaxIndexRetries)
	assert.Equal(t, "staging", cfg.Env)
}

func TestLoadConfig_BadFile(t *testing.T) {
	_, err := LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "nope.json")}, envMap(nil))
	require.Error(t, err)
}

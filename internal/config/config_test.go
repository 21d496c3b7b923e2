package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "default host must be loopback")
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 20, cfg.Retrieval.TopN)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.75, cfg.Retrieval.SimThreshold)
	assert.Equal(t, 18.0, cfg.Retrieval.MinScore)
	assert.Equal(t, 50000, cfg.History.MaxChars)
	assert.Equal(t, 100, cfg.Eviction.MaxEntries)
	assert.Equal(t, uint64(42), cfg.Eviction.Seed)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	data := `
server:
  port: 7000
storage:
  engine: memory
llm:
  provider: anthropic
  timeout: 15s
eviction:
  schedule: "*/5 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Engine)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "*/5 * * * *", cfg.Eviction.Schedule)
	// untouched keys keep their defaults
	assert.Equal(t, 20, cfg.Retrieval.TopN)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o600))

	t.Setenv("PERSONA_PORT", "8080")
	t.Setenv("PERSONA_EVICTION_SEED", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, uint64(7), cfg.Eviction.Seed)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate_ProductionRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SecurityMode = "production"
	assert.Error(t, cfg.Validate())

	cfg.Server.APIToken = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Engine = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Storage.PostgresDSN = "postgres://localhost/persona"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownProviders(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "gemini"
	cfg.Embedding.Provider = "onnx"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
	assert.Contains(t, err.Error(), "onnx")
}

func TestAddr(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "127.0.0.1:5000", cfg.Addr())
}

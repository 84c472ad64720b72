package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PLANOGRAM_HOME", "/tmp/pg")
	t.Setenv("PLANOGRAM_DB_PATH", "")
	t.Setenv("PLANOGRAM_RPM", "")
	t.Setenv("PLANOGRAM_INVOKE_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, "/tmp/pg", cfg.AppDir)
	assert.Equal(t, filepath.Join("/tmp/pg", "planogram.db"), cfg.DBPath)
	assert.Equal(t, 60, cfg.RequestsPerMin)
	assert.Equal(t, 120*time.Second, cfg.InvokeTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PLANOGRAM_DB_PATH", "/data/x.db")
	t.Setenv("PLANOGRAM_RPM", "15")
	t.Setenv("PLANOGRAM_INVOKE_TIMEOUT", "30s")
	t.Setenv("GEMINI_API_KEY", "k")

	cfg := Load()
	assert.Equal(t, "/data/x.db", cfg.DBPath)
	assert.Equal(t, 15, cfg.RequestsPerMin)
	assert.Equal(t, 30*time.Second, cfg.InvokeTimeout)
	assert.Equal(t, "k", cfg.GeminiAPIKey)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("PLANOGRAM_RPM", "lots")
	t.Setenv("PLANOGRAM_INVOKE_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 60, cfg.RequestsPerMin)
	assert.Equal(t, 120*time.Second, cfg.InvokeTimeout)
}

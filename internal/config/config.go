// Package config loads process configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds the planogram process configuration.
type Config struct {
	AppDir         string
	DBPath         string
	TemplateDir    string
	GeminiAPIKey   string
	RequestsPerMin int
	InvokeTimeout  time.Duration
	TransportRetry int
	LogLevel       string
}

// GetAppDir returns the application directory for the current OS.
func GetAppDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Planogram")
	case "linux":
		return filepath.Join(home, ".local", "share", "planogram")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Planogram")
	default:
		return filepath.Join(home, ".planogram")
	}
}

// Load returns a Config with env overrides and defaults.
func Load() *Config {
	appDir := getEnv("PLANOGRAM_HOME", GetAppDir())
	return &Config{
		AppDir:         appDir,
		DBPath:         getEnv("PLANOGRAM_DB_PATH", filepath.Join(appDir, "planogram.db")),
		TemplateDir:    getEnv("PLANOGRAM_TEMPLATE_DIR", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		RequestsPerMin: getEnvInt("PLANOGRAM_RPM", 60),
		InvokeTimeout:  getEnvDuration("PLANOGRAM_INVOKE_TIMEOUT", 120*time.Second),
		TransportRetry: getEnvInt("PLANOGRAM_TRANSPORT_RETRIES", 2),
		LogLevel:       getEnv("PLANOGRAM_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

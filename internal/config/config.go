package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Core holds the execution-core knobs. Every field has a default; values
// come from LOOM_* environment variables.
type Core struct {
	MaxToolIterations int
	ToolDeadline      time.Duration
	LLMDeadline       time.Duration
	ToolFanout        int
	HeartbeatInterval time.Duration
	MaxOutputTokens   int
}

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	LogLevel string

	LLMProvider string
	LLMModel    string
	LLMAPIKey   string

	Core Core
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("LOOM_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("LOOM_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("LOOM_DB_PATH", filepath.Join(dataDir, "loom.db")),
		LogLevel: getEnv("LOOM_LOG_LEVEL", "info"),

		LLMProvider: getEnv("LOOM_LLM_PROVIDER", "openai"),
		LLMModel:    getEnv("LOOM_LLM_MODEL", ""),
		LLMAPIKey:   getEnv("LOOM_LLM_API_KEY", ""),

		Core: Core{
			MaxToolIterations: getEnvInt("LOOM_MAX_TOOL_ITERATIONS", 12),
			ToolDeadline:      getEnvMillis("LOOM_TOOL_DEADLINE_MS", 30_000),
			LLMDeadline:       getEnvMillis("LOOM_LLM_DEADLINE_MS", 120_000),
			ToolFanout:        getEnvInt("LOOM_TOOL_FANOUT", 8),
			HeartbeatInterval: getEnvMillis("LOOM_HEARTBEAT_MS", 15_000),
			MaxOutputTokens:   getEnvInt("LOOM_MAX_OUTPUT_TOKENS", 4096),
		},
	}
}

// DefaultCore returns the core knobs with all defaults applied, without
// consulting the environment. Used by tests and embedded callers.
func DefaultCore() Core {
	return Core{
		MaxToolIterations: 12,
		ToolDeadline:      30 * time.Second,
		LLMDeadline:       120 * time.Second,
		ToolFanout:        8,
		HeartbeatInterval: 15 * time.Second,
		MaxOutputTokens:   4096,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallbackMS int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMS)) * time.Millisecond
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

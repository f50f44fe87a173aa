// Package config loads runtime configuration from the environment, with
// an optional .env file for local development. Variables already set in
// the process environment win over the file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"CONVERSE_HTTP_ADDR" envDefault:":8080"`
	DataDir  string `env:"CONVERSE_DATA_DIR" envDefault:"data"`
	DBPath   string `env:"CONVERSE_DB_PATH"`
	// SchedulerDSN, when set, points the event scheduler at a shared
	// Postgres database for multi-instance deployments. Empty means the
	// local SQLite store.
	SchedulerDSN string `env:"CONVERSE_SCHEDULER_DSN"`

	LLMProvider string `env:"CONVERSE_LLM_PROVIDER" envDefault:"anthropic"`
	LLMModel    string `env:"CONVERSE_LLM_MODEL"`
	LLMAPIKey   string `env:"CONVERSE_LLM_API_KEY"`

	Identity        string `env:"CONVERSE_IDENTITY" envDefault:"You are a thoughtful conversational companion."`
	PersonaReminder string `env:"CONVERSE_PERSONA_REMINDER"`

	DebounceWindow time.Duration `env:"CONVERSE_DEBOUNCE_WINDOW" envDefault:"2s"`
	BackendTimeout time.Duration `env:"CONVERSE_BACKEND_TIMEOUT" envDefault:"120s"`
	TokenBudget    int           `env:"CONVERSE_TOKEN_BUDGET" envDefault:"8192"`

	Heartbeat HeartbeatConfig `envPrefix:"CONVERSE_HEARTBEAT_"`
	Policy    PolicyConfig    `envPrefix:"CONVERSE_POLICY_"`
}

type HeartbeatConfig struct {
	Enabled    bool          `env:"ENABLED" envDefault:"true"`
	Interval   time.Duration `env:"INTERVAL" envDefault:"1m"`
	Window     time.Duration `env:"WINDOW" envDefault:"1m"`
	Lease      time.Duration `env:"LEASE" envDefault:"2m"`
	BatchLimit int           `env:"BATCH_LIMIT" envDefault:"10"`
	Timezone   string        `env:"TIMEZONE" envDefault:"UTC"`
	QuietStart string        `env:"QUIET_START" envDefault:"23:00"`
	QuietEnd   string        `env:"QUIET_END" envDefault:"08:00"`
}

type PolicyConfig struct {
	CooldownAfterUser time.Duration `env:"COOLDOWN_AFTER_USER" envDefault:"2h"`
	MaxPerDay         int           `env:"MAX_PER_DAY" envDefault:"3"`
	MaxPerWeek        int           `env:"MAX_PER_WEEK" envDefault:"10"`
	IgnoredPause      int           `env:"IGNORED_PAUSE" envDefault:"3"`
}

func Load() (Config, error) {
	loadDotEnv(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "converse.db")
	}
	return cfg, nil
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

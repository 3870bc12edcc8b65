// Package config loads gateway and match settings from an optional YAML
// file with environment variable overrides. Environment always wins so
// deployments can tweak a single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	NATS    NATSConfig    `yaml:"nats"`
	Match   MatchConfig   `yaml:"match"`
}

// GatewayConfig configures the HTTP/WebSocket front.
type GatewayConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NATSConfig configures the room channel backend.
type NATSConfig struct {
	URL         string `yaml:"url"`
	StreamName  string `yaml:"stream_name"`
	SubjectRoot string `yaml:"subject_root"`
}

// MatchConfig configures match pacing. Intervals are in milliseconds so
// they round-trip cleanly through YAML and the environment.
type MatchConfig struct {
	CountdownFrom       int `yaml:"countdown_from"`
	ProblemCount        int `yaml:"problem_count"`
	TermsPerProblem     int `yaml:"terms_per_problem"`
	CountdownIntervalMS int `yaml:"countdown_interval_ms"`
	StepIntervalMS      int `yaml:"step_interval_ms"`
	AnswerGraceMS       int `yaml:"answer_grace_ms"`
	PointsPerProblem    int `yaml:"points_per_problem"`
}

// CountdownInterval returns the pause between countdown ticks.
func (m MatchConfig) CountdownInterval() time.Duration {
	return time.Duration(m.CountdownIntervalMS) * time.Millisecond
}

// StepInterval returns the pause between revealed numbers.
func (m MatchConfig) StepInterval() time.Duration {
	return time.Duration(m.StepIntervalMS) * time.Millisecond
}

// AnswerGrace returns how long the answer window stays open after the
// last number.
func (m MatchConfig) AnswerGrace() time.Duration {
	return time.Duration(m.AnswerGraceMS) * time.Millisecond
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:           "8080",
			AllowedOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			URL:         "nats://localhost:4222",
			StreamName:  "DUEL_EVENTS",
			SubjectRoot: "duel",
		},
		Match: MatchConfig{
			CountdownFrom:       3,
			ProblemCount:        5,
			TermsPerProblem:     3,
			CountdownIntervalMS: 1000,
			StepIntervalMS:      1000,
			AnswerGraceMS:       5000,
			PointsPerProblem:    10,
		},
	}
}

// Load reads the YAML file at path when it exists, then applies
// environment overrides. A missing file is not an error; a malformed one
// is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.Gateway.Port = getEnv("GATEWAY_PORT", cfg.Gateway.Port)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.StreamName = getEnv("NATS_STREAM_NAME", cfg.NATS.StreamName)
	cfg.NATS.SubjectRoot = getEnv("NATS_SUBJECT_ROOT", cfg.NATS.SubjectRoot)

	cfg.Match.CountdownFrom = getEnvAsInt("MATCH_COUNTDOWN_FROM", cfg.Match.CountdownFrom)
	cfg.Match.ProblemCount = getEnvAsInt("MATCH_PROBLEM_COUNT", cfg.Match.ProblemCount)
	cfg.Match.TermsPerProblem = getEnvAsInt("MATCH_TERMS_PER_PROBLEM", cfg.Match.TermsPerProblem)
	cfg.Match.CountdownIntervalMS = getEnvAsInt("MATCH_COUNTDOWN_INTERVAL_MS", cfg.Match.CountdownIntervalMS)
	cfg.Match.StepIntervalMS = getEnvAsInt("MATCH_STEP_INTERVAL_MS", cfg.Match.StepIntervalMS)
	cfg.Match.AnswerGraceMS = getEnvAsInt("MATCH_ANSWER_GRACE_MS", cfg.Match.AnswerGraceMS)
	cfg.Match.PointsPerProblem = getEnvAsInt("MATCH_POINTS_PER_PROBLEM", cfg.Match.PointsPerProblem)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Match.ProblemCount < 1 {
		return fmt.Errorf("match.problem_count must be at least 1, got %d", c.Match.ProblemCount)
	}
	if c.Match.TermsPerProblem < 1 {
		return fmt.Errorf("match.terms_per_problem must be at least 1, got %d", c.Match.TermsPerProblem)
	}
	if c.Match.CountdownFrom < 0 {
		return fmt.Errorf("match.countdown_from must not be negative, got %d", c.Match.CountdownFrom)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

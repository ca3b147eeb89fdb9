// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
	EnvironmentTest        Environment = "test"
)

// ParseEnvironment maps a config value to an Environment. Empty means local.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(s))); env {
	case "":
		return EnvironmentLocal, nil
	case EnvironmentProduction, EnvironmentDevelopment, EnvironmentLocal, EnvironmentTest:
		return env, nil
	}
	return "", fmt.Errorf("invalid environment %q", s)
}

// New returns a JSON logger and its runtime-adjustable level. An empty level
// means debug in development and local, info otherwise.
func New(env Environment, level string) (*zap.Logger, zap.AtomicLevel, error) {
	atomic, err := resolveLevel(env, level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	cfg := buildConfig(env)
	cfg.Level = atomic
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", "wasteledger")), atomic, nil
}

func resolveLevel(env Environment, level string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}

	if env == EnvironmentDevelopment || env == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func buildConfig(env Environment) zap.Config {
	var cfg zap.Config
	if env == EnvironmentDevelopment || env == EnvironmentLocal {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

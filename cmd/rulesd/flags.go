package main

import (
	"flag"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("RULES_CONFIG", ""),
		"Path to configuration file (env: RULES_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("RULES_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: RULES_SHUTDOWN_TIMEOUT)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

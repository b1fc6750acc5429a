package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	Validate        bool
	ShowVersion     bool
	ShowHelp        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("CAPTUREKIT_CONFIG", "configs/capturekit.yaml"),
		"Path to configuration file (env: CAPTUREKIT_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("CAPTUREKIT_CONFIG", "configs/capturekit.yaml"),
		"Path to configuration file (env: CAPTUREKIT_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Override log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Override log format: json, text")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CAPTUREKIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: CAPTUREKIT_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.Validate, "validate", false,
		"Validate configuration and exit")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help and exit")

	flag.Parse()
	return cfg
}

func printHelp() {
	fmt.Printf("%s %s - streaming capture engine\n\n", appName, Version)
	fmt.Println("Usage:")
	fmt.Printf("  %s [flags]\n\n", appName)
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

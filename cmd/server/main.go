package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/server"
)

func main() {
	var configPath string
	var envFile string
	var logProfile string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Path to dotenv file (ignored when missing)")
	flag.StringVar(&logProfile, "log-profile", "", "Logging preset: development, staging, production or test")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.LoadWithEnvFile(configPath, envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if logProfile != "" {
		logging.SetupEnvironmentLogging(cfg, logProfile)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Admission Gateway

Usage:
  %s [options]

Options:
  -config string
        Path to YAML configuration file (defaults are used when empty)
  -env-file string
        Path to dotenv file (default ".env")
  -log-profile string
        Logging preset: development, staging, production or test
  -h, --help
        Show this help message

Environment Variables:
  Every setting can be overridden with an %s_ prefixed variable, e.g.
  %s_ADMISSION_MAX_PER_WINDOW=30 or %s_UPSTREAM_API_KEY=...

Examples:
  # Start with defaults
  %s

  # Start with a config file and a persistent blacklist
  %s -config gateway.yaml
  %s_BLACKLIST_STORE=badger %s
`, os.Args[0], config.EnvPrefix, config.EnvPrefix, config.EnvPrefix,
		os.Args[0], os.Args[0], config.EnvPrefix, os.Args[0])
}

package logging

import (
	"admission-gateway/internal/config"
)

// DevelopmentLoggingConfig returns logging configuration optimized for development
func DevelopmentLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "debug",
		Format:               "console",
		Output:               "stdout",
		EnableRequestTracing: true,
		EnableCorrelationIDs: true,
		EnableAdmissionLog:   true,
	}
}

// ProductionLoggingConfig returns logging configuration optimized for production
func ProductionLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "info",
		Format:               "json",
		Output:               "stdout",
		EnableRequestTracing: true,
		EnableCorrelationIDs: true,
		EnableAdmissionLog:   true,
	}
}

// TestLoggingConfig returns logging configuration optimized for testing
func TestLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "error",
		Format:               "json",
		Output:               "stderr",
		EnableRequestTracing: false,
		EnableCorrelationIDs: false,
		EnableAdmissionLog:   true,
	}
}

// SetupEnvironmentLogging configures logging based on environment
func SetupEnvironmentLogging(cfg *config.Config, environment string) {
	switch environment {
	case "development", "dev":
		cfg.Logging = DevelopmentLoggingConfig()
	case "production", "prod":
		cfg.Logging = ProductionLoggingConfig()
	case "test", "testing":
		cfg.Logging = TestLoggingConfig()
	case "staging", "stage":
		prodConfig := ProductionLoggingConfig()
		prodConfig.Level = "debug" // More verbose logging in staging
		cfg.Logging = prodConfig
	}
}

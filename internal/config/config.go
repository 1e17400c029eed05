package config

import (
	"fmt"
	"os"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	RequireAuth bool
	DevMode     bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port: "8080", // default port
	}

	// Load DATABASE_URL (required)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	// Load PORT (optional, defaults to 8080)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	// REQUIRE_AUTH: when true, non-guest syncs must carry a bearer token
	// whose device claim matches the payload's deviceId.
	cfg.RequireAuth = os.Getenv("REQUIRE_AUTH") == "true"

	// Load DEV_MODE (optional, defaults to false)
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // SOURCE_TIMEZONE must resolve in minimal images

	"github.com/joho/godotenv"
)

// Config holds all job settings, populated from environment variables.
type Config struct {
	// Source catalog.
	CKANBaseURL    string
	CKANResourceID string
	CKANAPIToken   string
	SourceMode     string
	SourcePageSize int
	SourceLocation *time.Location
	StationsFile   string

	// Hosting platform.
	PortalURL  string
	Username   string
	Password   string
	ItemID     string
	GroupID    string
	LayerIndex int

	DeleteStale      bool
	DryRun           bool
	PublishBatchSize int
	PublishWorkers   int
	PublishRateLimit float64

	HTTPTimeout time.Duration
	HTTPRetries int
	RunTimeout  time.Duration

	HTTPAddr       string
	LogLevel       string
	LogFormat      string
	PushgatewayURL string
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is loaded first if present;
// variables already set in the environment take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CKANBaseURL:    os.Getenv("CKAN_BASE_URL"),
		CKANResourceID: envOrDefault("CKAN_RESOURCE_ID", "6aa7f376-a4d3-4fb4-a51c-b4487600d516"),
		CKANAPIToken:   os.Getenv("CKAN_API_TOKEN"),
		SourceMode:     strings.ToLower(envOrDefault("SOURCE_MODE", "datastore")),
		StationsFile:   os.Getenv("STATIONS_FILE"),

		PortalURL: os.Getenv("MAPHUB_URL"),
		Username:  os.Getenv("AGO_USERNAME"),
		Password:  os.Getenv("AGO_PASSWORD"),
		ItemID:    os.Getenv("AGO_ITEM_ID"),
		GroupID:   os.Getenv("AGO_GROUP_ID"),

		HTTPAddr:       os.Getenv("HTTP_ADDR"),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "json"),
		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
	}

	for _, req := range []struct{ name, value string }{
		{"CKAN_BASE_URL", cfg.CKANBaseURL},
		{"MAPHUB_URL", cfg.PortalURL},
		{"AGO_USERNAME", cfg.Username},
		{"AGO_PASSWORD", cfg.Password},
		{"AGO_ITEM_ID", cfg.ItemID},
		{"AGO_GROUP_ID", cfg.GroupID},
	} {
		if strings.TrimSpace(req.value) == "" {
			return nil, errors.New(req.name + " is required")
		}
	}

	if cfg.SourceMode != "datastore" && cfg.SourceMode != "csv" {
		return nil, fmt.Errorf("invalid SOURCE_MODE %q: want datastore or csv", cfg.SourceMode)
	}

	tz := envOrDefault("SOURCE_TIMEZONE", "America/Vancouver")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid SOURCE_TIMEZONE %q: %w", tz, err)
	}
	cfg.SourceLocation = loc

	if cfg.SourcePageSize, err = parseInt("SOURCE_PAGE_SIZE", 5000, 1, 32000); err != nil {
		return nil, err
	}
	if cfg.LayerIndex, err = parseInt("AGO_LAYER_INDEX", 0, 0, 1000); err != nil {
		return nil, err
	}
	if cfg.PublishBatchSize, err = parseInt("PUBLISH_BATCH_SIZE", 250, 1, 2000); err != nil {
		return nil, err
	}
	if cfg.PublishWorkers, err = parseInt("PUBLISH_WORKERS", 4, 1, 16); err != nil {
		return nil, err
	}
	if cfg.HTTPRetries, err = parseInt("HTTP_RETRIES", 3, 0, 10); err != nil {
		return nil, err
	}
	if cfg.PublishRateLimit, err = parseRate("PUBLISH_RATE_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.DeleteStale, err = parseBool("DELETE_STALE", false); err != nil {
		return nil, err
	}
	if cfg.DryRun, err = parseBool("DRY_RUN", false); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = parseDuration("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunTimeout, err = parseDuration("RUN_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s %q: want an integer in [%d, %d]", key, s, lo, hi)
	}
	return n, nil
}

func parseRate(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative number", key, s)
	}
	return f, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, s)
	}
	return b, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return d, nil
}

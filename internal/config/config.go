package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	LocalDBPath string
	JWTSecret   string
	LogFile     string

	OutboxFlushInterval   time.Duration
	SyncInterval          time.Duration
	EventsCollection      string
	MedicationsCollection string
	MaxMedicationViews    int
}

// LoadConfig reads the environment. A .env file, if any, must already be
// loaded into the process environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOCAL_DB_PATH", "medsync.db")
	v.SetDefault("OUTBOX_FLUSH_INTERVAL", "5m")
	v.SetDefault("SYNC_INTERVAL", "10s")
	v.SetDefault("EVENTS_COLLECTION", "medication_events")
	v.SetDefault("MEDICATIONS_COLLECTION", "medications")
	v.SetDefault("MEDICATION_VIEWS_MAX", 256)

	flushInterval, err := parseInterval(v, "OUTBOX_FLUSH_INTERVAL")
	if err != nil {
		return nil, err
	}
	syncInterval, err := parseInterval(v, "SYNC_INTERVAL")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:            v.GetString("SERVER_PORT"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisURL:              v.GetString("REDIS_URL"),
		LocalDBPath:           v.GetString("LOCAL_DB_PATH"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		LogFile:               v.GetString("LOG_FILE"),
		OutboxFlushInterval:   flushInterval,
		SyncInterval:          syncInterval,
		EventsCollection:      v.GetString("EVENTS_COLLECTION"),
		MedicationsCollection: v.GetString("MEDICATIONS_COLLECTION"),
		MaxMedicationViews:    v.GetInt("MEDICATION_VIEWS_MAX"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.MaxMedicationViews <= 0 {
		return nil, errors.New("MEDICATION_VIEWS_MAX must be positive")
	}

	return cfg, nil
}

// LoadLocalConfig reads only what the local diagnostics commands need.
func LoadLocalConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LOCAL_DB_PATH", "medsync.db")

	return &Config{LocalDBPath: v.GetString("LOCAL_DB_PATH")}
}

func parseInterval(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

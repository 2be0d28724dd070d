package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the realtime hub configuration. Values come from an optional
// YAML file named by REALTIME_CONFIG, then environment variables win.
type Config struct {
	Port           string   `yaml:"port"`
	RedisAddr      string   `yaml:"redis_addr"`
	JWTSecret      string   `yaml:"jwt_secret"`
	RequireAuth    bool     `yaml:"require_auth"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`

	MaxRooms          int           `yaml:"max_rooms"`
	MaxPasswords      int           `yaml:"max_passwords"`
	MaxRoomsPerClient int           `yaml:"max_rooms_per_client"`
	RoomGracePeriod   time.Duration `yaml:"room_grace_period"`
	PasswordHashCost  int           `yaml:"password_hash_cost"`

	SendBuffer    int   `yaml:"send_buffer"`
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	OutboxMaxPerLobby int           `yaml:"outbox_max_per_lobby"`
	OutboxTTL         time.Duration `yaml:"outbox_ttl"`

	JanitorSchedule string `yaml:"janitor_schedule"`
}

func defaults() *Config {
	return &Config{
		Port:              "8080",
		AllowedOrigins:    []string{"*"},
		LogLevel:          "info",
		MaxRooms:          10000,
		MaxPasswords:      10000,
		MaxRoomsPerClient: 32,
		RoomGracePeriod:   10 * time.Minute,
		PasswordHashCost:  bcrypt.DefaultCost,
		SendBuffer:        64,
		MaxFrameBytes:     256 << 10,
		OutboxMaxPerLobby: 100,
		OutboxTTL:         7 * 24 * time.Hour,
		JanitorSchedule:   "@every 1m",
	}
}

// LoadConfig builds the configuration from file and environment.
func LoadConfig() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("REALTIME_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	var errs []error
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.JanitorSchedule = getEnvOrDefault("JANITOR_SCHEDULE", cfg.JanitorSchedule)

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	cfg.RequireAuth, err = getEnvBool("REQUIRE_AUTH", cfg.RequireAuth)
	collect(err)
	cfg.MaxRooms, err = getEnvInt("MAX_ROOMS", cfg.MaxRooms)
	collect(err)
	cfg.MaxPasswords, err = getEnvInt("MAX_PASSWORDS", cfg.MaxPasswords)
	collect(err)
	cfg.MaxRoomsPerClient, err = getEnvInt("MAX_ROOMS_PER_CLIENT", cfg.MaxRoomsPerClient)
	collect(err)
	cfg.RoomGracePeriod, err = getEnvDuration("ROOM_GRACE_PERIOD", cfg.RoomGracePeriod)
	collect(err)
	cfg.PasswordHashCost, err = getEnvInt("PASSWORD_HASH_COST", cfg.PasswordHashCost)
	collect(err)
	cfg.SendBuffer, err = getEnvInt("SEND_BUFFER", cfg.SendBuffer)
	collect(err)
	frameBytes, err := getEnvInt("MAX_FRAME_BYTES", int(cfg.MaxFrameBytes))
	collect(err)
	cfg.MaxFrameBytes = int64(frameBytes)
	cfg.OutboxMaxPerLobby, err = getEnvInt("OUTBOX_MAX_PER_LOBBY", cfg.OutboxMaxPerLobby)
	collect(err)
	cfg.OutboxTTL, err = getEnvDuration("OUTBOX_TTL", cfg.OutboxTTL)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.RequireAuth && cfg.JWTSecret == "" {
		return errors.New("REQUIRE_AUTH is set but JWT_SECRET is empty")
	}
	if cfg.PasswordHashCost < bcrypt.MinCost || cfg.PasswordHashCost > bcrypt.MaxCost {
		return fmt.Errorf("PASSWORD_HASH_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if cfg.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	if cfg.MaxFrameBytes <= 0 {
		return errors.New("MAX_FRAME_BYTES must be positive")
	}
	if cfg.RoomGracePeriod < 0 {
		return errors.New("ROOM_GRACE_PERIOD must not be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// comma separated, blanks dropped
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

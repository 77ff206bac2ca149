package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment. A
// .env file in the working directory is honored when present.
type Config struct {
	Database DatabaseConfig
	Schemas  SchemaConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds PostgreSQL connection settings. Variable names
// follow the libpq convention (PGHOST, PGDATABASE, ...).
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SchemaConfig names the two PostgreSQL schemas the platform writes to.
type SchemaConfig struct {
	Raw       string
	Analytics string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	// .env is optional; ignore when absent
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("PGHOST", "localhost"),
			Port:            getEnvAsInt("PGPORT", 5432),
			User:            getEnv("PGUSER", "meter_analytics"),
			Password:        getEnv("PGPASSWORD", ""),
			Database:        getEnv("PGDATABASE", "meter_analytics"),
			SSLMode:         getEnv("PGSSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Schemas: SchemaConfig{
			Raw:       getEnv("RAW_SCHEMA", "raw_data"),
			Analytics: getEnv("ANALYTICS_SCHEMA", "analytics"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("PGHOST must not be empty")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("PGPORT out of range: %d", c.Database.Port)
	}
	if c.Schemas.Raw == "" || c.Schemas.Analytics == "" {
		return fmt.Errorf("schema names must not be empty")
	}
	if c.Schemas.Raw == c.Schemas.Analytics {
		return fmt.Errorf("raw and analytics schemas must differ")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port)
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
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

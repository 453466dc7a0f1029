package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password", "mementonos",
}

type Config struct {
	Port                 int      `env:"PORT" envDefault:"8080"`
	AppEnv               string   `env:"APP_ENV" envDefault:"development"`
	DatabaseURL          string   `env:"DATABASE_URL,required"`
	RedisURL             string   `env:"REDIS_URL"`
	SecretKey            string   `env:"SECRET_KEY,required"`
	TokenTTLHours        int      `env:"TOKEN_TTL_HOURS" envDefault:"336"`
	InviteTTLSeconds     int      `env:"INVITE_TTL_SECONDS" envDefault:"300"`
	KDFIterations        int      `env:"KDF_ITERATIONS" envDefault:"10000"`
	DataDir              string   `env:"DATA_DIR" envDefault:"assets/user_data"`
	LogLevel             string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins          []string `env:"CORS_ORIGINS" envSeparator:","`
	SecureCookies        bool     `env:"SECURE_COOKIES" envDefault:"false"`
	RunMigrations        bool     `env:"RUN_MIGRATIONS" envDefault:"true"`
	StrongPasswordHashes bool     `env:"STRONG_PASSWORD_HASHES" envDefault:"false"`
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) Validate(isProduction bool) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("SECRET_KEY must not be blank")
	}
	if c.TokenTTLHours <= 0 {
		return fmt.Errorf("TOKEN_TTL_HOURS must be positive")
	}
	if c.InviteTTLSeconds <= 0 {
		return fmt.Errorf("INVITE_TTL_SECONDS must be positive")
	}
	if c.KDFIterations < 1000 {
		return fmt.Errorf("KDF_ITERATIONS must be at least 1000")
	}

	if isProduction {
		if err := validateSecret("SECRET_KEY", c.SecretKey); err != nil {
			return err
		}

		if !c.SecureCookies {
			log.Warn().Msg("SECURE_COOKIES is false in production: session cookies will be sent over plain HTTP")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if !c.StrongPasswordHashes {
			log.Warn().Msg("STRONG_PASSWORD_HASHES is false in production: new passwords are stored as unsalted SHA-256")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file and then parses the process environment.
// Variables already present in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

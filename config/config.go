package config

import (
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EnvPrefix is prepended to every variable name read by Load.
const EnvPrefix = "CREATE_OR_FIND_"

type Config struct {
	// DatabaseURL is a PostgreSQL DSN. Empty means no PostgreSQL backend is
	// configured.
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	// StepTimeout bounds how long the step executor waits before it records
	// a step as blocked.
	StepTimeout time.Duration `env:"STEP_TIMEOUT" envDefault:"200ms"`
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load(files...)
	return Parse(env.Options{})
}

// Parse reads the configuration from the environment only. Fields of opts
// other than Prefix are passed through, which lets tests inject Environment.
func Parse(opts env.Options) (Config, error) {
	var cfg Config
	opts.Prefix = EnvPrefix
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	return cfg, nil
}

// NewLogger builds a zerolog logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "parse log level %q", c.LogLevel)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Level(level), nil
}

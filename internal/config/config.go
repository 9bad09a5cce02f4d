// Package config reads process settings from the environment, optionally
// seeded from a dotenv file.
package config

import (
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/dbstore"
	"github.com/meriley/clash-spy/internal/errs"
)

const DefaultEnvFile = "config/.env"

// Store drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type (
	Config struct {
		DiscordToken string `env:"discord.token,required"`
		StoreDriver  string `env:"store.driver" envDefault:"mongo"`
		LogLevel     string `env:"log.level" envDefault:"info"`
		OTelEndpoint string `env:"otel.endpoint"`

		// MetricsAddress serves /debug/vars; empty disables it.
		MetricsAddress string `env:"metrics.address" envDefault:":9090"`

		Mongo     MongoConfig
		Postgres  PostgresConfig
		Clash     ClashConfig
		Scheduler SchedulerConfig
		Ledger    LedgerConfig
	}

	MongoConfig struct {
		Address  string `env:"mongo.address"`
		Database string `env:"mongo.database" envDefault:"clash-discord-bot"`
	}

	PostgresConfig struct {
		Address  string `env:"postgres.address"`
		Database string `env:"postgres.database"`
		User     string `env:"postgres.user"`
		Password string `env:"postgres.password,unset"`
	}

	ClashConfig struct {
		Token   string        `env:"clash.token,required"`
		URL     string        `env:"clash.url"`
		RPS     float64       `env:"clash.rps" envDefault:"10"`
		Timeout time.Duration `env:"clash.timeout" envDefault:"10s"`
	}

	SchedulerConfig struct {
		Workers          int           `env:"scheduler.workers" envDefault:"8"`
		Tick             time.Duration `env:"scheduler.tick" envDefault:"10s"`
		JobTimeout       time.Duration `env:"scheduler.job_timeout" envDefault:"45s"`
		Lease            time.Duration `env:"scheduler.lease" envDefault:"90s"`
		EndPollInterval  time.Duration `env:"scheduler.end_poll_interval" envDefault:"2m"`
		MaxEndPolls      int           `env:"scheduler.max_end_polls" envDefault:"30"`
		WarSync          time.Duration `env:"scheduler.war_sync" envDefault:"5m"`
		BaselineSync     time.Duration `env:"scheduler.baseline_sync" envDefault:"1h"`
		FailureThreshold int           `env:"scheduler.failure_threshold" envDefault:"5"`
	}

	LedgerConfig struct {
		ClaimTTL       time.Duration `env:"ledger.claim_ttl" envDefault:"2m"`
		FailureCeiling int           `env:"ledger.failure_ceiling" envDefault:"3"`
	}
)

// Load reads envFile when it exists and parses the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "failed to load %s", envFile)
		}
	}
	return Parse(env.Options{})
}

// Parse parses the process environment, or opts.Environment when set.
func Parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMongo:
		if c.Mongo.Address == "" {
			return errs.Configuration("mongo.address", "required by the %s driver", c.StoreDriver)
		}
	case DriverPostgres:
		if err := c.Postgres.Store().Validate(); err != nil {
			return errs.Configuration("postgres", "%v", err)
		}
	case DriverMemory:
	default:
		return errs.Configuration("store.driver", "unknown driver %q", c.StoreDriver)
	}
	if c.Clash.RPS <= 0 {
		return errs.Configuration("clash.rps", "must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return errs.Configuration("scheduler.workers", "must be positive")
	}
	if c.Scheduler.Lease <= c.Scheduler.JobTimeout {
		return errs.Configuration("scheduler.lease", "must exceed scheduler.job_timeout")
	}
	return nil
}

// Store converts the settings for the postgres store.
func (p PostgresConfig) Store() dbstore.Config {
	return dbstore.Config{
		Address:  p.Address,
		Database: p.Database,
		User:     p.User,
		Password: p.Password,
	}
}

/*
Package config loads service settings from the environment.

An optional .env file in the working directory is loaded first; variables
already set in the environment win. Every key has a default, so an empty
environment runs the service on an in-process SQLite file.

KEYS:
  PORT                    HTTP port (8080)
  STORE_DRIVER            sqlite | postgres | mongo | memory (sqlite)
  SQLITE_PATH             SQLite file (./wasteledger.db)
  DATABASE_URL            Postgres connection string
  MONGO_URI, MONGO_DATABASE
  REDIS_ADDR              Enables the distributed commit lock when set
  APP_ENV, LOG_LEVEL      Logger profile and level
  CATALOG_PATH            JSON or YAML catalog; embedded default when empty
  PARTIAL_POLICY          reject | accept (reject)
  POINTS_CONVERSION_RATE  Currency per point (100)
  BAG_SIZE_KG             Kilograms per bag (1)
  ALLOWED_ORIGINS         Comma-separated CORS origins (*)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/logging"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port int

	StoreDriver   string
	SQLitePath    string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string

	Environment logging.Environment
	LogLevel    string

	CatalogPath          string
	PartialPolicy        ledger.PartialPolicy
	PointsConversionRate decimal.Decimal
	BagSizeKg            decimal.Decimal
	AllowedOrigins       []string
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		StoreDriver:   strings.ToLower(get("STORE_DRIVER", DriverSQLite)),
		SQLitePath:    get("SQLITE_PATH", "./wasteledger.db"),
		DatabaseURL:   get("DATABASE_URL", ""),
		MongoURI:      get("MONGO_URI", ""),
		MongoDatabase: get("MONGO_DATABASE", "wasteledger"),
		RedisAddr:     get("REDIS_ADDR", ""),
		LogLevel:      get("LOG_LEVEL", ""),
		CatalogPath:   get("CATALOG_PATH", ""),
	}

	var errs []error

	port, err := strconv.Atoi(get("PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: invalid port %q", getenv("PORT")))
	}
	cfg.Port = port

	if cfg.Environment, err = logging.ParseEnvironment(get("APP_ENV", "")); err != nil {
		errs = append(errs, fmt.Errorf("APP_ENV: %w", err))
	}

	if cfg.PartialPolicy, err = ledger.ParsePartialPolicy(get("PARTIAL_POLICY", "")); err != nil {
		errs = append(errs, fmt.Errorf("PARTIAL_POLICY: %w", err))
	}

	if cfg.PointsConversionRate, err = positiveDecimal(get("POINTS_CONVERSION_RATE", "100")); err != nil {
		errs = append(errs, fmt.Errorf("POINTS_CONVERSION_RATE: %w", err))
	}
	if cfg.BagSizeKg, err = positiveDecimal(get("BAG_SIZE_KG", "1")); err != nil {
		errs = append(errs, fmt.Errorf("BAG_SIZE_KG: %w", err))
	}

	for _, o := range strings.Split(get("ALLOWED_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks that the selected store driver has its connection settings.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverMemory:
		return nil
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE_DRIVER=postgres requires DATABASE_URL")
		}
		return nil
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("STORE_DRIVER=mongo requires MONGO_URI")
		}
		return nil
	}
	return fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver)
}

func positiveDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

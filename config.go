package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"library-lending/library"
)

const (
	driverSQLite   = library.DriverSQLite
	driverPostgres = library.DriverPostgres
)

// config is assembled from the environment, optional .env files and the
// persistent flags, in increasing priority.
type config struct {
	Driver        string
	DBPath        string
	DSN           string
	DailyFine     decimal.Decimal
	TermDays      int
	RetryAttempts int
	LogLevel      slog.Level
	LogFormat     string
}

// loadDotEnv reads .env.local and .env when present. Variables already set in
// the process environment are kept.
func loadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Driver:        driverSQLite,
		DBPath:        "library.db",
		DailyFine:     library.DefaultDailyFine,
		TermDays:      library.DefaultTermDays,
		RetryAttempts: library.DefaultRetryPolicy().MaxAttempts,
		LogLevel:      slog.LevelWarn,
		LogFormat:     "text",
	}

	if v := getenv("LIBRARY_DB_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := getenv("LIBRARY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	cfg.DSN = getenv("LIBRARY_DB_DSN")

	var errs []error
	if v := getenv("LIBRARY_DAILY_FINE"); v != "" {
		d, err := decimal.NewFromString(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("LIBRARY_DAILY_FINE: %w", err))
		case d.IsNegative():
			errs = append(errs, errors.New("LIBRARY_DAILY_FINE must not be negative"))
		default:
			cfg.DailyFine = d
		}
	}
	if v := getenv("LIBRARY_DEFAULT_TERM_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !library.ValidTerm(n) {
			errs = append(errs, fmt.Errorf("LIBRARY_DEFAULT_TERM_DAYS must be between %d and %d, got %q",
				library.MinTermDays, library.MaxTermDays, v))
		} else {
			cfg.TermDays = n
		}
	}
	if v := getenv("LIBRARY_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("LIBRARY_RETRY_ATTEMPTS must be a positive integer, got %q", v))
		} else {
			cfg.RetryAttempts = n
		}
	}
	if v := getenv("LIBRARY_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LIBRARY_LOG_LEVEL: %w", err))
		}
	}
	if v := getenv("LIBRARY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Driver {
	case driverSQLite:
		if c.DBPath == "" {
			return errors.New("sqlite needs a database path")
		}
	case driverPostgres:
		if c.DSN == "" {
			return errors.New("postgres needs LIBRARY_DB_DSN or --dsn")
		}
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, driverSQLite, driverPostgres)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	return nil
}

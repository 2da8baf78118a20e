package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config identifies the Postgres server and the two databases the runtime
// uses: the application database and the system database holding the durable
// journal. SysDBName defaults to "<AppDBName>_dbos_sys".
type Config struct {
	Hostname  string
	Port      int
	Username  string
	Password  string
	AppDBName string
	SysDBName string
}

// sysDBSuffix is appended to the application database name when no system
// database name is configured.
const sysDBSuffix = "_dbos_sys"

// ConfigFromEnv reads the database configuration from DBOS_DB* environment
// variables. Hostname, port and username fall back to local-development
// defaults; AppDBName is required.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Hostname:  envOr("DBOS_DBHOST", "localhost"),
		Port:      5432,
		Username:  envOr("DBOS_DBUSER", "postgres"),
		Password:  os.Getenv("DBOS_DBPASSWORD"),
		AppDBName: os.Getenv("DBOS_APPDB"),
		SysDBName: os.Getenv("DBOS_SYSDB"),
	}
	if raw := os.Getenv("DBOS_DBPORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DBOS_DBPORT %q: %w", raw, err)
		}
		cfg.Port = port
	}
	if cfg.AppDBName == "" {
		return Config{}, fmt.Errorf("DBOS_APPDB is not set")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SystemDBName returns the configured system database name or its default.
func (c Config) SystemDBName() string {
	if c.SysDBName != "" {
		return c.SysDBName
	}
	return c.AppDBName + sysDBSuffix
}

// URI builds a connection string for the named database on this server.
func (c Config) URI(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Hostname, c.Port, database)
}

// PoolConfig holds connection pool settings.
// Sensible defaults are applied by DefaultPoolConfig().
type PoolConfig struct {
	URI             string
	MaxConns        int32
	MinConns        int32
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns production-ready pool settings: a base pool of 20
// with 5 overflow connections and a 30-second acquire timeout.
func DefaultPoolConfig(uri string) PoolConfig {
	return PoolConfig{
		URI:             uri,
		MaxConns:        25,
		MinConns:        2,
		AcquireTimeout:  30 * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Connect creates a PostgreSQL connection pool using the provided config
// and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// EnsureDatabase creates the named database if it does not exist, using a
// short-lived connection to the maintenance database. Safe to call on every
// boot.
func EnsureDatabase(ctx context.Context, cfg Config, database string) error {
	conn, err := pgx.Connect(ctx, cfg.URI("postgres"))
	if err != nil {
		return fmt.Errorf("failed to connect to maintenance database: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", database,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return nil
	}

	// Database names cannot be bound parameters; the name comes from trusted
	// configuration, not request input.
	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{database}.Sanitize())); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}

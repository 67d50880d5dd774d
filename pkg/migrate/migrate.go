// Package migrate manages the ClickHouse schema for the trends engine.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/ClickHouse/clickhouse-go/v2"
	gomigrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the ClickHouse connection settings for migrations.
type Config struct {
	Address  string
	Username string
	Password string
	Database string
	// ReadTimeout in seconds, for long-running migrations. Zero uses the
	// driver default.
	ReadTimeout int
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	cfg    Config
	logger *slog.Logger
}

// NewMigrator creates a migrator; connections open lazily per operation.
func NewMigrator(cfg Config, logger *slog.Logger) *Migrator {
	return &Migrator{cfg: cfg, logger: logger.With("component", "migrate")}
}

func (m *Migrator) open() (*gomigrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}

	q := url.Values{}
	q.Set("username", m.cfg.Username)
	q.Set("password", m.cfg.Password)
	q.Set("database", m.cfg.Database)
	q.Set("x-multi-statement", "true")
	if m.cfg.ReadTimeout > 0 {
		q.Set("read_timeout", fmt.Sprintf("%ds", m.cfg.ReadTimeout))
	}
	dsn := fmt.Sprintf("clickhouse://%s?%s", m.cfg.Address, q.Encode())

	mg, err := gomigrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting migrator: %w", err)
	}
	return mg, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil && err != gomigrate.ErrNoChange {
		return err
	}
	m.logger.Info("migrations applied")
	return nil
}

// Down rolls back the given number of migrations.
func (m *Migrator) Down(steps int) error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Steps(-steps); err != nil && err != gomigrate.ErrNoChange {
		return err
	}
	m.logger.Info("migrations rolled back", "steps", steps)
	return nil
}

// Version returns the current migration version and dirty flag.
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if err == gomigrate.ErrNilVersion {
		return 0, false, nil
	}
	return version, dirty, err
}

// Force sets the migration version without running anything; used to clear a
// dirty state after a manual fix.
func (m *Migrator) Force(version int) error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Force(version)
}

// DumpSchema writes the CREATE TABLE statements of the live database.
func (m *Migrator) DumpSchema(ctx context.Context, w io.Writer) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{m.cfg.Address},
		Auth: clickhouse.Auth{
			Database: m.cfg.Database,
			Username: m.cfg.Username,
			Password: m.cfg.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to clickhouse: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SHOW TABLES")
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		var stmt string
		row := conn.QueryRow(ctx, fmt.Sprintf("SHOW CREATE TABLE %s", table))
		if err := row.Scan(&stmt); err != nil {
			return fmt.Errorf("dumping table %s: %w", table, err)
		}
		if _, err := fmt.Fprintf(w, "%s;\n\n", stmt); err != nil {
			return err
		}
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"

	"twitch-xc-proxy/work/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sql.DB holding the shared catalog
type DB struct {
	*sql.DB
	readOnly bool
}

// Options controls how the catalog file is opened
type Options struct {
	// ReadOnly opens the file with mode=ro and skips migrations. The
	// management UI owns every write, this service only reads.
	ReadOnly bool
	// MaxOpenConns bounds the pooled read connections, default 25.
	MaxOpenConns int
}

// Open creates a pooled connection to the catalog file
func Open(dbPath string, opts Options) (*DB, error) {
	if !opts.ReadOnly {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", buildDSN(dbPath, opts.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db, readOnly: opts.ReadOnly}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database %s: %w", dbPath, err)
	}

	if !opts.ReadOnly {
		if err := wrapper.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	logger.Info("{database - Open} SQLite catalog opened: %s (read-only: %v)", dbPath, opts.ReadOnly)
	return wrapper, nil
}

// buildDSN turns a file path into an ncruces file: URI with pragmas
func buildDSN(dbPath string, readOnly bool) string {
	params := []string{"_pragma=busy_timeout(5000)"}
	if readOnly {
		params = append([]string{"mode=ro"}, params...)
	} else {
		params = append(params, "_pragma=journal_mode(wal)", "_pragma=synchronous(normal)", "_pragma=foreign_keys(1)")
	}
	return "file:" + filepath.ToSlash(dbPath) + "?" + strings.Join(params, "&")
}

// migrate runs all migration files
func (db *DB) migrate() error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Read all migration files
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g., "001_catalog_schema.sql" -> 1)
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("migration %s has no version prefix: %w", entry.Name(), err)
		}

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		// embed.FS paths are always slash separated
		content, err := migrations.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		logger.Info("{database - migrate} Applied migration: %s", entry.Name())
	}

	return nil
}

// ReadOnly reports whether the catalog was opened with mode=ro
func (db *DB) ReadOnly() bool {
	return db.readOnly
}

// Close closes the database connection
func (db *DB) Close() error {
	logger.Debug("{database - Close} Closing catalog connection")
	return db.DB.Close()
}

// Healthy pings the pool with a short deadline
func (db *DB) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// GetStats returns row counts of the catalog tables this service reads
func (db *DB) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	tables := []string{"users", "live_streams", "vod_streams", "settings"}
	for _, table := range tables {
		var count int
		err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table+"_count"] = count
	}

	var live int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM live_streams WHERE is_live = 1").Scan(&live); err != nil {
		return nil, fmt.Errorf("failed to count live channels: %w", err)
	}
	stats["live_now_count"] = live

	// Get database size
	var pageCount, pageSize int
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	stats["database_size_bytes"] = pageCount * pageSize

	return stats, nil
}

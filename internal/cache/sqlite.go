package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL backend behind a cache
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Cache is the database connection shared by the persister and search
type Cache struct {
	db      *sql.DB
	dialect Dialect
	logger  *logrus.Logger
}

// DialectFor picks the backend from a DSN. postgres:// and postgresql://
// URLs select Postgres; anything else is a SQLite path or file: URI.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// NewCache opens the database named by dsn and creates the schema
func NewCache(dsn string, logger *logrus.Logger) (*Cache, error) {
	dialect := DialectFor(dsn)

	if dialect == DialectSQLite {
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create cache directory: %w", err)
			}
		}
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One connection keeps the pragma in effect and avoids SQLITE_BUSY
		// between concurrent account merges.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	cache := &Cache{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}

	if err := cache.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("dialect", dialect).Info("Cache initialized")
	return cache, nil
}

func (c *Cache) initSchema() error {
	schema := SQLiteSchema
	if c.dialect == DialectPostgres {
		schema = PostgresSchema
	}
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Dialect reports which backend the cache talks to
func (c *Cache) Dialect() Dialect {
	return c.dialect
}

// rebind rewrites ? placeholders to $n for Postgres
func (c *Cache) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

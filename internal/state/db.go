// Package state implements the persistence layer: a single SQLite database
// holding the reputation, peer, ban and traffic tables, migrated at startup.
package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// DBFilename is the name of the state database inside the state directory.
const DBFilename = "state.db"

// ErrNotFound is returned when an update or delete matched no row.
var ErrNotFound = errors.New("state: not found")

//go:embed migrations/*.sql
var migrations embed.FS

// connPragmas run on every new connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// openDB opens path with connPragmas applied. The pool is capped at one
// connection so writers never contend.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrateLogger routes golang-migrate progress to the debug log.
type migrateLogger struct{ l *log.Logger }

func (m migrateLogger) Printf(format string, v ...any) { m.l.Debugf(format, v...) }
func (m migrateLogger) Verbose() bool                  { return m.l.GetLevel() <= log.DebugLevel }

// migrateDB brings db to the newest embedded schema version. A database left
// dirty by an interrupted migration is refused.
func migrateDB(db *sql.DB) (uint, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, err
	}
	m.Log = migrateLogger{l: log.WithPrefix("state")}

	if v, dirty, err := m.Version(); err == nil && dirty {
		return v, fmt.Errorf("schema version %d is dirty; repair schema_migrations by hand", v)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}
	v, _, err := m.Version()
	if err != nil {
		return 0, err
	}
	return v, nil
}

// PersistenceBootstrap creates stateDir if needed, opens state.db, applies
// migrations and returns a Repo plus the closer for the DB handle.
func PersistenceBootstrap(stateDir string) (*Repo, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, DBFilename)
	db, err := openDB(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	version, err := migrateDB(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info("state database ready", "path", path, "schema_version", version)
	return NewRepo(db), db, nil
}

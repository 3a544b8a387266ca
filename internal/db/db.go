package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "ledger.db"
	stateDir      = ".codor"
	// Driver is the SQL driver registered by modernc.org/sqlite.
	Driver = "sqlite"
)

type Config struct {
	// EvidenceDir holds the ledger under EvidenceDir/.codor.
	EvidenceDir string
}

func dbPath(evidenceDir string) string {
	if evidenceDir == "" {
		evidenceDir = "."
	}
	return filepath.Join(evidenceDir, stateDir, defaultDBName)
}

// EnsureStateDir creates the ledger directory if missing.
func EnsureStateDir(evidenceDir string) (string, error) {
	path := filepath.Join(evidenceDir, stateDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the ledger database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.EvidenceDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.EvidenceDir))
	conn, err := sql.Open(Driver, dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the ledger path for an evidence directory.
func Path(evidenceDir string) string {
	return dbPath(evidenceDir)
}

// OpenDSN opens an arbitrary database for query actions. A bare sqlite path
// is resolved against baseDir.
func OpenDSN(driver, dsn, baseDir string) (*sql.DB, error) {
	if driver == "" {
		driver = Driver
	}
	if !driverRegistered(driver) {
		return nil, fmt.Errorf("sql driver %q is not available (registered: %s)", driver, strings.Join(sql.Drivers(), ", "))
	}
	if driver == Driver {
		dsn = sqliteDSN(dsn, baseDir)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == Driver {
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

func sqliteDSN(dsn, baseDir string) string {
	switch {
	case dsn == "":
		return ":memory:"
	case dsn == ":memory:", strings.HasPrefix(dsn, "file:"):
		return dsn
	}
	if !filepath.IsAbs(dsn) && baseDir != "" {
		dsn = filepath.Join(baseDir, dsn)
	}
	return "file:" + dsn + "?_pragma=foreign_keys(1)"
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

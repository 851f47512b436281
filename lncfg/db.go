package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultDBFilename is the name of the recovery database file.
	DefaultDBFilename = "recovery.db"

	// DefaultDBTimeout is how long we wait for the bolt file lock.
	DefaultDBTimeout = 60 * time.Second
)

// DB holds the local database configuration.
//
//nolint:lll
type DB struct {
	Path    string        `long:"path" description:"Directory holding the recovery database. Defaults to the data directory."`
	Timeout time.Duration `long:"timeout" description:"How long to wait for the database file lock before giving up."`
}

// DefaultDB returns the default DB config.
func DefaultDB() *DB {
	return &DB{
		Timeout: DefaultDBTimeout,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return fmt.Errorf("db.timeout must be positive")
	}

	return nil
}

package state

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// persistenceCloser holds the DB handle for cleanup. Implements io.Closer.
type persistenceCloser struct {
	trustDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return c.trustDB.Close()
}

// PersistenceBootstrap opens trust.db under stateDir, applies
// migrations, and returns a ready-to-use KeyRepo plus an io.Closer for
// the DB handle.
func PersistenceBootstrap(stateDir string) (*KeyRepo, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	trustDBPath := filepath.Join(stateDir, "trust.db")
	trustDB, err := OpenDB(trustDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open trust.db: %w", err)
	}
	if err := MigrateTrustDB(trustDB); err != nil {
		trustDB.Close()
		return nil, nil, fmt.Errorf("migrate trust.db: %w", err)
	}

	return newKeyRepo(trustDB), &persistenceCloser{trustDB: trustDB}, nil
}

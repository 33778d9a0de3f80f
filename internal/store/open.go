package store

import (
	"fmt"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendLevelDB  = "leveldb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and locates a GroupStore backend.
type Options struct {
	Backend string
	// Dir holds the file store, the LevelDB directory and the default
	// SQLite database.
	Dir string
	// DSN overrides the database location for SQL backends.
	DSN string
}

// Open returns a GroupStore for opts. SQL connections opened here are closed
// by GroupStore.Close.
func Open(opts Options) (*GroupStore, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileGroupStore(filepath.Join(opts.Dir, "sessions"))
	case BackendLevelDB:
		return OpenLevelGroupStore(filepath.Join(opts.Dir, "sessions.ldb"))
	case BackendSQLite, BackendPostgres:
		dialector := sqlDialector(opts)
		db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, storeErr("open", err)
		}
		s, err := NewSQLGroupStore(db)
		if err != nil {
			return nil, err
		}
		s.b.(*sqlBackend).owned = true
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func sqlDialector(opts Options) gorm.Dialector {
	if opts.Backend == BackendPostgres {
		return postgres.Open(opts.DSN)
	}
	dsn := opts.DSN
	if dsn == "" {
		dsn = filepath.Join(opts.Dir, "sessions.db")
	}
	return sqlite.Open(dsn)
}

package sqlite

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open creates a GORM *DB backed by an SQLite file in WAL mode.
func Open(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return gorm.Open(sqlite.Open(dsn), gcfg)
}

// OpenMemory creates a private in-memory database. An empty name picks a
// random one so parallel callers never share state. The pool is pinned to a
// single connection because the database lives only as long as it does.
func OpenMemory(name string, gcfg *gorm.Config) (*gorm.DB, error) {
	if name == "" {
		name = uuid.NewString()
	}
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

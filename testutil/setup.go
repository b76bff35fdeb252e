package testutil

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	dbadapter "github.com/kasuganosora/questforge/db"
	"github.com/kasuganosora/questforge/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	}, nil)
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// ErrInjected is the error FailQueries makes reads return.
var ErrInjected = errors.New("testutil: injected read failure")

// FailQueries makes every SELECT against table fail with ErrInjected until
// the returned func is called.
func FailQueries(t *testing.T, db *gorm.DB, table string) (heal func()) {
	t.Helper()
	var failing atomic.Bool
	failing.Store(true)
	err := db.Callback().Query().Before("gorm:query").Register("testutil:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table && failing.Load() {
			tx.AddError(ErrInjected)
		}
	})
	require.NoError(t, err, "FailQueries: Register")
	return func() { failing.Store(false) }
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := config.CacheConfig{} // no redis_addr: in-process backends
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	t.Cleanup(func() {
		c.Close()
		ps.Close()
	})
	return c, ps
}

// NopLogger returns a development logger for tests.
func NopLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

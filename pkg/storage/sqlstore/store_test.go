package sqlstore_test

import (
	"path/filepath"
	"testing"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/sqlite"
	"github.com/LENAX/task-watchdog/pkg/storage/sqlstore"
	"github.com/LENAX/task-watchdog/pkg/storage/storagetest"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupSQLiteStore 使用临时文件数据库创建Store
func setupSQLiteStore(t *testing.T, clk clock.Clock, opts queue.Options) *sqlstore.Store {
	dbFile := filepath.Join(t.TempDir(), "watchdog_test.db")
	db, err := sqlstore.Open(sqlite.NewSQLiteDialect(), dbFile, sqlstore.PoolConfig{})
	require.NoError(t, err)

	store, err := sqlstore.New(db, sqlite.NewSQLiteDialect(), sqlstore.WithClock(clk), sqlstore.WithQueueOptions(opts))
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock, opts queue.Options) *storage.Repositories {
		return setupSQLiteStore(t, clk, opts).Repositories()
	})
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "schema_test.db")
	db, err := sqlstore.Open(sqlite.NewSQLiteDialect(), dbFile, sqlstore.PoolConfig{})
	require.NoError(t, err)
	defer db.Close()

	_, err = sqlstore.New(db, sqlite.NewSQLiteDialect())
	require.NoError(t, err)
	// 第二次初始化不应报错
	store, err := sqlstore.New(db, sqlite.NewSQLiteDialect())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", store.Dialect().Name())
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

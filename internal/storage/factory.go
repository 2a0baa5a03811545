package storage

import (
	"fmt"
	"strings"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/LENAX/task-watchdog/pkg/storage/mysql"
	"github.com/LENAX/task-watchdog/pkg/storage/postgres"
	"github.com/LENAX/task-watchdog/pkg/storage/sqlite"
	"github.com/LENAX/task-watchdog/pkg/storage/sqlstore"
	"github.com/benbjohnson/clock"
)

// Options 存储工厂参数（内部使用）
type Options struct {
	Type  string // sqlite/mysql/postgres/memory
	DSN   string
	Pool  sqlstore.PoolConfig
	Queue queue.Options
	Clock clock.Clock
}

// DialectFor 根据数据库类型返回方言
func DialectFor(dbType string) (storage.Dialect, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return sqlite.NewSQLiteDialect(), nil
	case "mysql":
		return mysql.NewMySQLDialect(), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// NewRepositories 创建存储Repository集合（内部方法）
func NewRepositories(opts Options) (*storage.Repositories, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if strings.EqualFold(opts.Type, "memory") {
		return memory.NewStore(opts.Clock, opts.Queue).Repositories(), nil
	}

	dialect, err := DialectFor(opts.Type)
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(dialect, opts.DSN, opts.Pool)
	if err != nil {
		return nil, fmt.Errorf("create %s repository failed: %w", dialect.Name(), err)
	}
	store, err := sqlstore.New(db, dialect, sqlstore.WithClock(opts.Clock), sqlstore.WithQueueOptions(opts.Queue))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s repository failed: %w", dialect.Name(), err)
	}
	return store.Repositories(), nil
}

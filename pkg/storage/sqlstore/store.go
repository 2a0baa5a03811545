package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
)

// Store 基于sqlx的存储实现，三个Repository共用同一连接池（对外导出）
type Store struct {
	db        *sqlx.DB
	dialect   storage.Dialect
	clock     clock.Clock
	queueOpts queue.Options

	workflows *WorkflowRepo
	queue     *QueueRepo
	timers    *TimerRepo
}

// Option Store可选参数
type Option func(*Store)

// WithClock 注入时钟（测试使用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithQueueOptions 设置队列参数
func WithQueueOptions(o queue.Options) Option {
	return func(s *Store) {
		s.queueOpts = o.Normalize()
	}
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 按方言打开数据库并应用连接配置
func Open(d storage.Dialect, dsn string, pool PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open(d.DriverName(), d.NormalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	if n := d.MaxOpenConns(pool.MaxOpenConns); n > 0 {
		db.SetMaxOpenConns(n)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	for _, stmt := range d.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("配置数据库失败 (%s): %w", stmt, err)
		}
	}
	return db, nil
}

// New 创建Store并初始化表结构
func New(db *sqlx.DB, d storage.Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		dialect:   d,
		clock:     clock.New(),
		queueOpts: queue.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	s.workflows = &WorkflowRepo{db: db, dialect: d, clock: s.clock}
	s.queue = &QueueRepo{db: db, clock: s.clock, opts: s.queueOpts}
	s.timers = &TimerRepo{db: db}
	return s, nil
}

// initSchema 初始化表结构
func (s *Store) initSchema(ctx context.Context) error {
	for _, raw := range schema {
		for _, stmt := range s.dialect.CreateTableSQL(expandSchema(raw, s.dialect.AutoIncrementKeyword())) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if s.dialect.IgnoreSchemaError(err) {
					continue
				}
				return fmt.Errorf("执行DDL失败: %w", err)
			}
		}
	}
	return nil
}

// DB 底层连接
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect 当前方言
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Workflows Workflow Store
func (s *Store) Workflows() *WorkflowRepo {
	return s.workflows
}

// Queue Work Queue
func (s *Store) Queue() *QueueRepo {
	return s.queue
}

// Timers 定时器存储
func (s *Store) Timers() *TimerRepo {
	return s.timers
}

// Repositories 组装为 storage.Repositories，Close 时关闭连接
func (s *Store) Repositories() *storage.Repositories {
	return storage.NewRepositories(s.workflows, s.queue, s.timers, s.db.Close)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

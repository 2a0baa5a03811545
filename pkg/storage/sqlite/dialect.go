package sqlite

import (
	"errors"

	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名
func (d *SQLiteDialect) DriverName() string {
	return "sqlite3"
}

// CreateTableSQL 返回创建表的DDL（SQLite原样返回）
func (d *SQLiteDialect) CreateTableSQL(schema string) []string {
	return []string{schema}
}

// ConfigureDB 返回SQLite配置SQL
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}
}

// AutoIncrementKeyword 返回SQLite自增关键字
func (d *SQLiteDialect) AutoIncrementKeyword() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// NormalizeDSN SQLite的DSN即文件路径，原样返回
func (d *SQLiteDialect) NormalizeDSN(dsn string) string {
	return dsn
}

// MaxOpenConns SQLite只允许一个写连接，固定为1，PRAGMA也只需作用一次
func (d *SQLiteDialect) MaxOpenConns(int) int {
	return 1
}

// IgnoreSchemaError SQLite支持IF NOT EXISTS，无需忽略
func (d *SQLiteDialect) IgnoreSchemaError(error) bool {
	return false
}

// IsUniqueViolation 主键或UNIQUE约束冲突
func (d *SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)

package postgres

import (
	"errors"
	"strings"

	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/lib/pq"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) []string {
	// 替换DATETIME为TIMESTAMP
	result := strings.ReplaceAll(schema, "DATETIME", "TIMESTAMP")
	return []string{result}
}

// ConfigureDB 时区通过DSN设置，无需额外语句
func (d *PostgresDialect) ConfigureDB() []string {
	return nil
}

// AutoIncrementKeyword 返回PostgreSQL自增关键字
func (d *PostgresDialect) AutoIncrementKeyword() string {
	return "BIGSERIAL PRIMARY KEY"
}

// NormalizeDSN 补全时区参数，使每个连接都使用UTC
func (d *PostgresDialect) NormalizeDSN(dsn string) string {
	if strings.Contains(dsn, "timezone=") {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&timezone=UTC"
		}
		return dsn + "?timezone=UTC"
	}
	return strings.TrimSpace(dsn + " timezone=UTC")
}

// MaxOpenConns 使用配置值
func (d *PostgresDialect) MaxOpenConns(requested int) int {
	return requested
}

// IgnoreSchemaError 并发建表时IF NOT EXISTS仍可能报重复对象
func (d *PostgresDialect) IgnoreSchemaError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 42P07 duplicate_table, 23505 unique_violation（pg_type冲突）
	return pqErr.Code == "42P07" || pqErr.Code == "23505"
}

// IsUniqueViolation 23505 unique_violation
func (d *PostgresDialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)

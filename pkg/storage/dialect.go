package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回 database/sql 驱动名
	DriverName() string

	// CreateTableSQL 把通用DDL转换为本数据库可执行的语句列表
	CreateTableSQL(schema string) []string

	// ConfigureDB 配置数据库连接（如SQLite的PRAGMA）
	ConfigureDB() []string

	// AutoIncrementKeyword 返回自增主键关键字
	// SQLite: INTEGER PRIMARY KEY AUTOINCREMENT
	// MySQL: BIGINT PRIMARY KEY AUTO_INCREMENT
	// PostgreSQL: BIGSERIAL PRIMARY KEY
	AutoIncrementKeyword() string

	// NormalizeDSN 补全DSN中的必要参数
	NormalizeDSN(dsn string) string

	// MaxOpenConns 根据配置值返回实际使用的连接池上限（SQLite固定为1）
	MaxOpenConns(requested int) int

	// IgnoreSchemaError 建表阶段可忽略的错误（如MySQL重复建索引）
	IgnoreSchemaError(err error) bool

	// IsUniqueViolation 是否为主键或唯一索引冲突
	IsUniqueViolation(err error) bool
}

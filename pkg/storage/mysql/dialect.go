package mysql

import (
	"errors"
	"strings"

	"github.com/LENAX/task-watchdog/pkg/storage"
	driver "github.com/go-sql-driver/mysql"
)

// MySQL错误码：重复索引名、重复键值
const (
	errDupKeyName = 1061
	errDupEntry   = 1062
)

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// CreateTableSQL 转换DDL为MySQL兼容格式
// MySQL不支持 CREATE INDEX IF NOT EXISTS，重复建索引的错误由 IgnoreSchemaError 吞掉
func (d *MySQLDialect) CreateTableSQL(schema string) []string {
	result := strings.ReplaceAll(schema, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX")
	// 保留毫秒以下精度
	result = strings.ReplaceAll(result, "DATETIME", "DATETIME(6)")
	if strings.HasPrefix(strings.TrimSpace(result), "CREATE TABLE") {
		result += " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	return []string{result}
}

// ConfigureDB MySQL的会话参数通过DSN设置
func (d *MySQLDialect) ConfigureDB() []string {
	return nil
}

// AutoIncrementKeyword 返回MySQL自增关键字
func (d *MySQLDialect) AutoIncrementKeyword() string {
	return "BIGINT PRIMARY KEY AUTO_INCREMENT"
}

// NormalizeDSN 确保DSN包含parseTime=true并使用UTC
// dsn格式: user:password@tcp(host:port)/dbname
func (d *MySQLDialect) NormalizeDSN(dsn string) string {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		// 解析失败时交给驱动在Open阶段报错
		return dsn
	}
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// MaxOpenConns 使用配置值
func (d *MySQLDialect) MaxOpenConns(requested int) int {
	return requested
}

// IgnoreSchemaError 忽略重复建索引
func (d *MySQLDialect) IgnoreSchemaError(err error) bool {
	var myErr *driver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDupKeyName
}

// IsUniqueViolation 1062 ER_DUP_ENTRY
func (d *MySQLDialect) IsUniqueViolation(err error) bool {
	var myErr *driver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDupEntry
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)

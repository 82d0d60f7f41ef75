package config

import "fmt"

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// MigrationDSN 返回迁移使用的连接串，MySQL 需要开启多语句
func (d *DatabaseConfig) MigrationDSN() string {
	if d.Driver == "mysql" {
		return d.DSN() + "&multiStatements=true"
	}
	return d.DSN()
}

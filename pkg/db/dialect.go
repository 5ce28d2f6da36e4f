package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config selects the store and sizes its connection pool. Lifetimes are in
// seconds; zero leaves the database/sql default.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

func (c Config) kind() string {
	kind := strings.ToLower(strings.TrimSpace(c.Type))
	if kind == "" {
		return "postgres"
	}
	return kind
}

// Dialect builds the gorm dialector for the configured store. Every session
// runs in UTC so stored timestamps compare consistently.
func Dialect(cfg Config) (gorm.Dialector, error) {
	switch cfg.kind() {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)), nil
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)), nil
	case "sqlite":
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = "marketpay.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// InsertIgnore finishes an INSERT ... VALUES statement so that a row clashing
// with the unique conflict columns is skipped instead of failing. MySQL has no
// ON CONFLICT clause and uses INSERT IGNORE.
func InsertIgnore(tx *gorm.DB, insert, conflict string) string {
	if tx.Dialector != nil && tx.Dialector.Name() == "mysql" {
		return "INSERT IGNORE" + strings.TrimPrefix(strings.TrimSpace(insert), "INSERT")
	}
	return insert + "\n\t\tON CONFLICT (" + conflict + ") DO NOTHING"
}

package orm

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN                string `mapstructure:"dsn"`
	MaxIdle            int    `mapstructure:"max_idle"`
	MaxOpen            int    `mapstructure:"max_open"`
	MaxLifetimeMinutes int    `mapstructure:"max_lifetime_minutes"`
	LogSQL             bool   `mapstructure:"log_sql"`
}

// OpenSQL 建连接池并 ping，失败时关闭
func OpenSQL(ctx context.Context, c Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(c.MaxIdle)
	db.SetMaxOpenConns(c.MaxOpen)
	db.SetConnMaxLifetime(time.Duration(c.MaxLifetimeMinutes) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewGorm 复用已有连接池
func NewGorm(sqlDB *sql.DB, logSQL bool) (*gorm.DB, error) {
	mode := logger.Warn
	if logSQL {
		mode = logger.Info
	}
	return gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		Logger:                 logger.Default.LogMode(mode),
	})
}

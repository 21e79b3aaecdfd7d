package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/suPer8Hu/teamchat/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database. sqlite is meant for local runs; the DSN
// is then a file path or "file::memory:".
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "mysql":
		gdb, err = gorm.Open(mysql.Open(cfg.DSN), gcfg)
	case "sqlite":
		gdb, err = gorm.Open(sqlite.Open(cfg.DSN), gcfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Driver, "sqlite") {
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// OpenMemory returns an isolated in-memory sqlite database. name keeps parallel
// callers apart.
func OpenMemory(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", sanitizeName(name))
	return Open(config.DBConfig{Driver: "sqlite", DSN: dsn})
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

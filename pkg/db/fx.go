package db

import (
	"github.com/merchhub/kiwisync/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func New(cfg config.Config) (*gorm.DB, error) {
	dialect, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialect, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)

	return conn, nil
}

var Module = fx.Module("db",
	fx.Provide(New),
)

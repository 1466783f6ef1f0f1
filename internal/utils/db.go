package utils

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"geoip-api/internal/config"
	"geoip-api/internal/logger"
)

// OpenPostgres：按配置打开连接池并探活；未启用时返回 nil
func OpenPostgres(ctx context.Context, c config.Postgres) (*sql.DB, error) {
	if !c.Enabled {
		return nil, nil
	}
	db, err := sql.Open("postgres", c.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.MaxOpen)
	db.SetMaxIdleConns(c.MaxIdle)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.L().Debug("db_open_ok", "host", c.Host, "db", c.DB)
	return db, nil
}

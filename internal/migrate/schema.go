// 包 migrate：首次运行时创建审计与统计表
package migrate

import (
	"context"
	"database/sql"

	"geoip-api/internal/logger"
)

// 约束：全部使用 IF NOT EXISTS，可重复执行
var stmts = []string{
	`CREATE TABLE IF NOT EXISTS _geo_refresh_log (
        id BIGSERIAL PRIMARY KEY,
        started_at TIMESTAMPTZ NOT NULL,
        duration_ms BIGINT NOT NULL,
        outcome TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        checksum TEXT NOT NULL DEFAULT '',
        generation BIGINT NOT NULL DEFAULT 0
    )`,
	`CREATE INDEX IF NOT EXISTS idx_geo_refresh_log_started ON _geo_refresh_log(started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS _geo_stats_total (
        id INT PRIMARY KEY,
        total_queries BIGINT NOT NULL DEFAULT 0,
        total_visitors BIGINT NOT NULL DEFAULT 0
    )`,
	`CREATE TABLE IF NOT EXISTS _geo_stats_daily (
        day DATE PRIMARY KEY,
        queries BIGINT NOT NULL DEFAULT 0,
        visitors BIGINT NOT NULL DEFAULT 0
    )`,
	`INSERT INTO _geo_stats_total(id, total_queries, total_visitors)
     VALUES(1, 0, 0)
     ON CONFLICT (id) DO NOTHING`,
}

// EnsureSchema：按顺序执行建表语句，任一失败即返回
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}

// 包 store: PostgreSQL 数据访问层，记录刷新审计日志与查询统计
package store

import (
	"context"
	"database/sql"
	"time"

	"geoip-api/internal/logger"
	"geoip-api/internal/refresh"
)

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// RecordAttempt: 写入一次刷新尝试，实现 refresh.Recorder
func (s *Store) RecordAttempt(ctx context.Context, a refresh.Attempt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO _geo_refresh_log(started_at, duration_ms, outcome, error, checksum, generation)
        VALUES($1,$2,$3,$4,$5,$6)`,
		a.Started, a.Duration.Milliseconds(), string(a.Outcome), a.Err, a.Checksum, int64(a.Generation),
	)
	if err == nil {
		logger.L().Debug("refresh_log_insert", "outcome", a.Outcome, "generation", a.Generation)
	}
	return err
}

// RecentAttempts: 按时间倒序读取最近的刷新记录
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]refresh.Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT started_at, duration_ms, outcome, error, checksum, generation
        FROM _geo_refresh_log ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []refresh.Attempt
	for rows.Next() {
		var a refresh.Attempt
		var ms, gen int64
		var outcome string
		if err := rows.Scan(&a.Started, &ms, &outcome, &a.Err, &a.Checksum, &gen); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		a.Outcome = refresh.Outcome(outcome)
		a.Generation = uint64(gen)
		out = append(out, a)
	}
	return out, rows.Err()
}

// IncrStats: 成功查询后递增总计与当日计数；visitor 为真时同时递增访客计数
func (s *Store) IncrStats(ctx context.Context, visitor bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	v := 0
	if visitor {
		v = 1
	}
	if _, err := tx.ExecContext(ctx, "UPDATE _geo_stats_total SET total_queries=total_queries+1, total_visitors=total_visitors+$1 WHERE id=1", v); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _geo_stats_daily(day, queries, visitors) VALUES(current_date, 1, $1)
        ON CONFLICT (day) DO UPDATE SET queries=_geo_stats_daily.queries+1, visitors=_geo_stats_daily.visitors+EXCLUDED.visitors`, v); err != nil {
		return err
	}
	return tx.Commit()
}

// Totals: 统计返回结构，包含累计与当日查询次数
type Totals struct {
	Total         int64 `json:"total"`
	Today         int64 `json:"today"`
	TotalVisitors int64 `json:"total_visitors"`
	TodayVisitors int64 `json:"today_visitors"`
}

// GetTotals: 读取累计与当日计数；当日尚无记录时为 0
func (s *Store) GetTotals(ctx context.Context) (*Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx, "SELECT total_queries, total_visitors FROM _geo_stats_total WHERE id=1")
	if err := row.Scan(&t.Total, &t.TotalVisitors); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	row2 := s.db.QueryRowContext(ctx, "SELECT queries, visitors FROM _geo_stats_daily WHERE day=current_date")
	if err := row2.Scan(&t.Today, &t.TodayVisitors); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	logger.L().Debug("stats_totals", "total", t.Total, "today", t.Today)
	return &t, nil
}

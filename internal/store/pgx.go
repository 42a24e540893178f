package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxConfig PostgreSQL连接配置
type PgxConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ConnectRetries  uint64
}

// DefaultPgxConfig 返回默认连接池参数
func DefaultPgxConfig(dsn string) *PgxConfig {
	return &PgxConfig{
		DSN:             dsn,
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
		ConnectRetries:  5,
	}
}

// PgxStore 基于pgx连接池的Store实现
type PgxStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgxStore)(nil)

// ConnectPgx 创建连接池并验证连通性。
// 初始ping使用指数退避重试，避免进程启动先于数据库就绪。
func ConnectPgx(ctx context.Context, config *PgxConfig) (*PgxStore, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
		return pool.Ping(pingCtx)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), config.ConnectRetries)
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("PostgreSQL connection pool ready (max=%d min=%d)", config.MaxConns, config.MinConns)
	return &PgxStore{pool: pool}, nil
}

// CallBySid 按呼叫标识查通话记录
func (s *PgxStore) CallBySid(ctx context.Context, callSid string) (*CallRecord, error) {
	const query = `
		SELECT id, account_id, call_sid, from_number, to_number
		FROM calls
		WHERE call_sid = $1`

	rec := &CallRecord{}
	err := s.pool.QueryRow(ctx, query, callSid).Scan(
		&rec.ID, &rec.AccountID, &rec.CallSid, &rec.FromNumber, &rec.ToNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query call by sid: %w", err)
	}
	return rec, nil
}

// AgentConfigByAccount 按账户查启用的AI坐席配置
func (s *PgxStore) AgentConfigByAccount(ctx context.Context, accountID int64) (*AgentConfig, error) {
	const query = `
		SELECT id, account_id, model, voice, system_prompt, greeting, temperature
		FROM agent_configs
		WHERE account_id = $1 AND enabled`

	cfg := &AgentConfig{}
	err := s.pool.QueryRow(ctx, query, accountID).Scan(
		&cfg.ID, &cfg.AccountID, &cfg.Model, &cfg.Voice,
		&cfg.SystemPrompt, &cfg.Greeting, &cfg.Temperature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent config: %w", err)
	}
	return cfg, nil
}

// FinalizeCall 写回通话归档结果
func (s *PgxStore) FinalizeCall(ctx context.Context, result *CallResult) error {
	const query = `
		UPDATE calls
		SET duration_seconds = $2,
		    transcript      = $3,
		    intent          = $4,
		    message_taken   = $5,
		    ended_at        = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		result.CallID, result.DurationSeconds, result.Transcript,
		result.Intent, result.MessageTaken)
	if err != nil {
		return fmt.Errorf("finalize call %d: %w", result.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize call %d: %w", result.CallID, ErrNotFound)
	}
	return nil
}

// RecordUsage 写入用量计费行
func (s *PgxStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	const query = `
		INSERT INTO usage_records (account_id, call_id, minutes_used, day, month, year)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		rec.AccountID, rec.CallID, rec.Minutes, rec.Day, rec.Month, rec.Year)
	if err != nil {
		return fmt.Errorf("record usage for call %d: %w", rec.CallID, err)
	}
	return nil
}

// Close 关闭连接池
func (s *PgxStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Stats 返回连接池统计信息
func (s *PgxStore) Stats() *pgxpool.Stat {
	if s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

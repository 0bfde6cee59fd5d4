package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PoolOptions 连接池参数，零值取默认
type PoolOptions struct {
	DSN         string
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
	// application_name，便于在 pg_stat_activity 中区分调度实例
	AppName string
}

const (
	defaultMaxConns    = 10
	defaultMinConns    = 2
	defaultMaxLifetime = time.Hour
	pingTimeout        = 3 * time.Second
)

// NewPool 创建 pgx 连接池并探活
func NewPool(ctx context.Context, opts PoolOptions, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = int32(orDefault(opts.MaxConns, defaultMaxConns))
	cfg.MinConns = int32(orDefault(opts.MinConns, defaultMinConns))
	cfg.MaxConnLifetime = opts.MaxLifetime
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = defaultMaxLifetime
	}
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}

	// SQL 追踪仅在 debug 级别开启
	if logger != nil && logger.Core().Enabled(zapcore.DebugLevel) {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   traceLogger{logger.Named("sql")},
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// traceLogger pgx tracelog -> zap
type traceLogger struct{ l *zap.Logger }

func (t traceLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	var lvl zapcore.Level
	switch level {
	case tracelog.LogLevelError:
		lvl = zapcore.ErrorLevel
	case tracelog.LogLevelWarn:
		lvl = zapcore.WarnLevel
	case tracelog.LogLevelInfo:
		lvl = zapcore.InfoLevel
	default:
		lvl = zapcore.DebugLevel
	}
	if ce := t.l.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM adapter.
type GormLoggerConfig struct {
	Level                gormlogger.LogLevel
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
}

// DefaultGormLoggerConfig logs warnings, slow statements over 200ms and
// real errors. Not-found lookups are expected on order and wallet reads.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:                gormlogger.Warn,
		SlowThreshold:        200 * time.Millisecond,
		IgnoreRecordNotFound: true,
	}
}

// GormLogger routes GORM output through the context logger. Bound
// parameters are never logged since they carry manuscript text.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	fields := []zap.Field{zap.String("component", "gorm")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs failed and slow statements, and every statement at Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error && !l.ignorable(err):
		level = zapcore.ErrorLevel
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		level, err = zapcore.WarnLevel, nil
	case l.cfg.Level >= gormlogger.Info:
		level, err = zapcore.DebugLevel, nil
	default:
		return
	}

	sql, rows := fc()
	op, table := describeStatement(sql)
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if level != zapcore.ErrorLevel {
		fields = append(fields, zap.String("sql", strings.TrimSpace(sql)))
	}
	if ce := FromContext(ctx).Check(level, "gorm.query"); ce != nil {
		ce.Write(fields...)
	}
}

func (l *GormLogger) ignorable(err error) bool {
	return l.cfg.IgnoreRecordNotFound && errors.Is(err, gormlogger.ErrRecordNotFound)
}

// ParamsFilter drops bound values.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

// describeStatement returns the verb and target table of a statement,
// skipping a leading CTE.
func describeStatement(sql string) (string, string) {
	tokens := strings.Fields(strings.ToUpper(sql))
	raw := strings.Fields(sql)
	for i, token := range tokens {
		token = strings.Trim(token, "();")
		var marker string
		switch token {
		case "SELECT", "DELETE":
			marker = "FROM"
		case "INSERT":
			marker = "INTO"
		case "UPDATE":
			return token, tableAt(raw, i+1)
		default:
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			if tokens[j] == marker {
				return token, tableAt(raw, j+1)
			}
		}
		return token, ""
	}
	return "UNKNOWN", ""
}

func tableAt(raw []string, idx int) string {
	if idx >= len(raw) {
		return ""
	}
	return strings.Trim(raw[idx], "\"`();")
}

var _ gormlogger.Interface = (*GormLogger)(nil)

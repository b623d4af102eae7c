package log

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Log = (*Logger)(nil)

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Logger adapts zap to Log. Children made by With share the level.
type Logger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
}

var zapLevels = map[Level]zapcore.Level{
	LevelDebug:  zapcore.DebugLevel,
	LevelInfo:   zapcore.InfoLevel,
	LevelWarn:   zapcore.WarnLevel,
	LevelError:  zapcore.ErrorLevel,
	LevelSilent: zapcore.FatalLevel,
}

// New builds a sampled JSON logger writing to stderr. The first logger
// created becomes the process-wide default returned by Provide.
func New(level Level) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	atomic := zap.NewAtomicLevelAt(toZapLevel(level))
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		atomic,
	)
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)

	logger := &Logger{zl: zap.New(core), level: atomic}
	defaultOnce.Do(func() { defaultLogger = logger })
	return logger
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// NewWithCore wraps an existing zap core, mostly useful with zaptest/observer.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{zl: zap.New(core), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// Provide returns the default logger, creating an info-level one if none exists.
func Provide() *Logger {
	if defaultLogger == nil {
		return New(LevelInfo)
	}
	return defaultLogger
}

func (l *Logger) Log(level Level, msg string, fields ...Field) {
	zl := toZapLevel(level)
	if level == LevelSilent || !l.level.Enabled(zl) {
		return
	}
	l.zl.Log(zl, msg, zapFields(fields)...)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, zapFields(fields)...) }

func (l *Logger) Info(msg string, fields ...Field) { l.zl.Info(msg, zapFields(fields)...) }

func (l *Logger) Warn(msg string, fields ...Field) { l.zl.Warn(msg, zapFields(fields)...) }

func (l *Logger) Error(msg string, fields ...Field) { l.zl.Error(msg, zapFields(fields)...) }

func (l *Logger) With(fields ...Field) Log {
	return &Logger{zl: l.zl.With(zapFields(fields)...), level: l.level}
}

// WithContext attaches the request correlation id, if any.
func (l *Logger) WithContext(ctx context.Context) Log {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return l.With(String("correlation_id", id))
	}
	return l
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(toZapLevel(level)) }

func (l *Logger) GetLevel() Level {
	current := l.level.Level()
	for level, zl := range zapLevels {
		if zl == current {
			return level
		}
	}
	return LevelInfo
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

type correlationKey struct{}

// WithCorrelationID stores an id that WithContext attaches to log entries.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func toZapLevel(level Level) zapcore.Level {
	if zl, ok := zapLevels[level]; ok {
		return zl
	}
	return zapcore.InfoLevel
}

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.zap())
	}
	return out
}

func (f Field) zap() zap.Field {
	switch f.Type {
	case BoolType:
		return zap.Bool(f.Key, f.Value.(bool))
	case DurationType:
		return zap.Duration(f.Key, f.Value.(time.Duration))
	case Float64Type:
		return zap.Float64(f.Key, f.Value.(float64))
	case IntType:
		return zap.Int(f.Key, f.Value.(int))
	case Int64Type:
		return zap.Int64(f.Key, f.Value.(int64))
	case StringType:
		return zap.String(f.Key, f.Value.(string))
	case StringsType:
		return zap.Strings(f.Key, f.Value.([]string))
	case TimeType:
		return zap.Time(f.Key, f.Value.(time.Time))
	case ErrorType:
		err, _ := f.Value.(error)
		return zap.NamedError(f.Key, err)
	default:
		return zap.Any(f.Key, f.Value)
	}
}

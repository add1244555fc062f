package logger

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tunes the zap backend. A nil *Options selects JSON output.
type Options struct {
	// Format is "json" or "console".
	Format string
	// Fields are attached to every entry.
	Fields []Field
}

type zapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a Logger writing to w at the given minimum level.
func NewZapLogger(w io.Writer, level LogLevel, opts *Options) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	if opts != nil && opts.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapLevel(level))
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts != nil && len(opts.Fields) > 0 {
		z = z.With(opts.Fields...)
	}
	return &zapLogger{z: z}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field) { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field) { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(fields...)}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{z: l.z.Named(name)}
}

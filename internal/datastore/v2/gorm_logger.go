package v2

import (
	"context"
	"fmt"
	"time"

	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	gorm_logger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// gormLogger routes gorm's logging through the module logger.
type gormLogger struct {
	log           logger.Logger
	level         gorm_logger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(log logger.Logger, debug bool) *gormLogger {
	level := gorm_logger.Warn
	if debug {
		level = gorm_logger.Info
	}
	return &gormLogger{log: log, level: level, slowThreshold: 200 * time.Millisecond}
}

func (l *gormLogger) LogMode(level gorm_logger.LogLevel) gorm_logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= gorm_logger.Info {
		l.log.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= gorm_logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= gorm_logger.Error {
		l.log.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gorm_logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && l.level >= gorm_logger.Error && !errors.Is(err, gorm_logger.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("gorm query failed",
			logger.String("file", utils.FileWithLineNum()),
			logger.Error(err),
			logger.String("sql", sql),
			logger.Int64("rows", rows),
			logger.Duration("elapsed", elapsed))
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= gorm_logger.Warn:
		sql, rows := fc()
		l.log.Warn("gorm slow query",
			logger.String("file", utils.FileWithLineNum()),
			logger.String("sql", sql),
			logger.Int64("rows", rows),
			logger.Duration("elapsed", elapsed),
			logger.Duration("threshold", l.slowThreshold))
	case l.level == gorm_logger.Info:
		sql, rows := fc()
		l.log.Debug("gorm query",
			logger.String("sql", sql),
			logger.Int64("rows", rows),
			logger.Duration("elapsed", elapsed))
	}
}

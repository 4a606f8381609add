// Package pionlog routes pion's internal logging into zerolog.
package pionlog

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// Factory implements logging.LoggerFactory. Every scope gets a child
// logger tagged with it. Pion is chatty, so its levels are shifted by
// MinLevel: records below it are dropped.
type Factory struct {
	logger   zerolog.Logger
	MinLevel zerolog.Level
}

func NewFactory(logger *zerolog.Logger, minLevel zerolog.Level) *Factory {
	return &Factory{
		logger:   logger.With().Str("component", "pion").Logger(),
		MinLevel: minLevel,
	}
}

func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveled{
		logger: f.logger.With().Str("scope", scope).Logger(),
		min:    f.MinLevel,
	}
}

type leveled struct {
	logger zerolog.Logger
	min    zerolog.Level
}

var _ logging.LeveledLogger = (*leveled)(nil)

func (l *leveled) log(lvl zerolog.Level, msg string) {
	if lvl < l.min {
		return
	}
	l.logger.WithLevel(lvl).Msg(msg)
}

func (l *leveled) Trace(msg string) { l.log(zerolog.TraceLevel, msg) }
func (l *leveled) Tracef(format string, args ...interface{}) {
	l.log(zerolog.TraceLevel, fmt.Sprintf(format, args...))
}
func (l *leveled) Debug(msg string) { l.log(zerolog.DebugLevel, msg) }
func (l *leveled) Debugf(format string, args ...interface{}) {
	l.log(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}
func (l *leveled) Info(msg string) { l.log(zerolog.InfoLevel, msg) }
func (l *leveled) Infof(format string, args ...interface{}) {
	l.log(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}
func (l *leveled) Warn(msg string) { l.log(zerolog.WarnLevel, msg) }
func (l *leveled) Warnf(format string, args ...interface{}) {
	l.log(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}
func (l *leveled) Error(msg string) { l.log(zerolog.ErrorLevel, msg) }
func (l *leveled) Errorf(format string, args ...interface{}) {
	l.log(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

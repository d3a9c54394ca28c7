// Package rlog implements a minimalistic logging wrapper used by every
// subsystem in relaymta. It is deliberately value-typed and copyable: a
// Logger carries only a name, a shared level, and a set of fields that get
// merged into every record, so call sites can derive a child logger with
// Named or With without sharing mutable state (beyond the level, which is
// meant to be shared).
package rlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structure every relaymta component holds to produce
// structured output. It is backed by zap but keeps its own thin surface so
// call sites don't need to know about zap's Field type. Copies share both
// the underlying *zap.Logger and the AtomicLevel, so adjusting the level
// through any copy (e.g. the one the admin log-filter endpoint holds) takes
// effect for every component's logger at once.
type Logger struct {
	base   *zap.Logger
	level  zap.AtomicLevel
	Name   string
	Fields map[string]interface{}
}

// New builds the root Logger for the process. env selects "production" or
// "development" zap presets; development uses console encoding and starts
// at debug level. Call SetLevel afterward to raise or lower it, including
// at runtime via the admin log-filter endpoint.
func New(env string) Logger {
	var cfg zap.Config
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	level := zap.NewAtomicLevelAt(cfg.Level.Level())
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op sink rather than crash the process over
		// logging configuration; relaymta must still be able to serve
		// traffic without a working log pipeline.
		l = zap.NewNop()
	}
	return Logger{base: l, level: level}
}

// SetLevel reparses the diagnostic log filter and applies it to every
// Logger copy sharing this one's AtomicLevel. relaymta's filter syntax is a
// single zap level word (debug, info, warn, error) rather than the
// original's per-module directive list, since this repo logs through one
// shared core rather than per-module tracing spans.
func (l Logger) SetLevel(filter string) error {
	lvl, err := zapcore.ParseLevel(filter)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// CurrentLevel reports the live diagnostic log filter.
func (l Logger) CurrentLevel() string {
	return l.level.Level().String()
}

func (l Logger) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(l.Fields)+1)
	if l.Name != "" {
		fields = append(fields, zap.String("component", l.Name))
	}
	for k, v := range l.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Named returns a copy of l scoped to a sub-component name, e.g.
// l.Named("queue").Named("scheduled").
func (l Logger) Named(name string) Logger {
	if l.Name != "" {
		name = l.Name + "." + name
	}
	l.Name = name
	return l
}

// With returns a copy of l with additional fields merged in.
func (l Logger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.Fields = merged
	return l
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if l.base == nil {
		return
	}
	l.base.Sugar().With(zapFieldsToArgs(l.zapFields())...).Debugf(format, args...)
}

func (l Logger) Infof(format string, args ...interface{}) {
	if l.base == nil {
		return
	}
	l.base.Sugar().With(zapFieldsToArgs(l.zapFields())...).Infof(format, args...)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	if l.base == nil {
		return
	}
	l.base.Sugar().With(zapFieldsToArgs(l.zapFields())...).Warnf(format, args...)
}

func (l Logger) Errorf(err error, format string, args ...interface{}) {
	if l.base == nil {
		return
	}
	s := l.base.Sugar().With(zapFieldsToArgs(l.zapFields())...)
	if err != nil {
		s = s.With("error", err.Error())
	}
	s.Errorf(format, args...)
}

func zapFieldsToArgs(fields []zap.Field) []interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	args := make([]interface{}, 0, len(enc.Fields)*2)
	for k, v := range enc.Fields {
		args = append(args, k, v)
	}
	return args
}

// Sync flushes any buffered log entries; call during graceful shutdown.
func (l Logger) Sync() {
	if l.base != nil {
		_ = l.base.Sync()
	}
}

// Discard returns a Logger that drops everything, for tests.
func Discard() Logger {
	return Logger{base: zap.NewNop(), level: zap.NewAtomicLevel()}
}

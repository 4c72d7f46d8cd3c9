// Package logging defines the structured logger contract shared by every
// component package and a zap-backed default implementation. The
// interface itself is deliberately the same shape as the teacher
// orchestrator's Logger (Debug/Info/Warn/Error with key-value args) so
// existing call sites didn't need to change, only the backing
// implementation did.
package logging

import "go.uber.org/zap"

// Logger is the structured logging contract used throughout the broker,
// dialogue manager, and pipeline packages.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOp discards everything. Useful in tests and as a safe zero value.
type NoOp struct{}

func (NoOp) Debug(string, ...interface{}) {}
func (NoOp) Info(string, ...interface{})  {}
func (NoOp) Warn(string, ...interface{})  {}
func (NoOp) Error(string, ...interface{}) {}

// Zap adapts a *zap.SugaredLogger to Logger.
type Zap struct {
	s *zap.SugaredLogger
}

// NewZapProduction builds a Zap logger using zap's production config
// (JSON encoding, info level). Falls back to NoOp-equivalent behavior via
// zap.NewNop if construction fails, since a logging failure must never
// take a dialogue module down with it.
func NewZapProduction() *Zap {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return &Zap{s: l.Sugar()}
}

// NewZapDevelopment builds a Zap logger using zap's development config
// (human-readable console encoding, debug level) — used by cmd/agent.
func NewZapDevelopment() *Zap {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	return &Zap{s: l.Sugar()}
}

func (z *Zap) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *Zap) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *Zap) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *Zap) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// Sync flushes any buffered log entries. Call on shutdown.
func (z *Zap) Sync() error { return z.s.Sync() }

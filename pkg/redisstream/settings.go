package redisstream

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

// Logger adapts a zerolog logger to watermill.LoggerAdapter.
type Logger struct {
	l zerolog.Logger
}

var _ watermill.LoggerAdapter = Logger{}

func NewLogger(l zerolog.Logger) Logger {
	return Logger{l: l.With().Str("component", "watermill").Logger()}
}

func withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (w Logger) Error(msg string, err error, fields watermill.LogFields) {
	withFields(w.l.Error().Err(err), fields).Msg(msg)
}

func (w Logger) Info(msg string, fields watermill.LogFields) {
	withFields(w.l.Info(), fields).Msg(msg)
}

func (w Logger) Debug(msg string, fields watermill.LogFields) {
	withFields(w.l.Debug(), fields).Msg(msg)
}

func (w Logger) Trace(msg string, fields watermill.LogFields) {
	withFields(w.l.Trace(), fields).Msg(msg)
}

func (w Logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := w.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return Logger{l: ctx.Logger()}
}

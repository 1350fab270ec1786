// Package logger defines the minimal logging contract shared by every
// synckit subsystem, so that the host application can plug in whatever
// logging stack it already uses.
package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the logging interface consumed by synckit.
//
// Arguments after the message are alternating key/value pairs,
// following the log/slog convention.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// New returns a zerolog-backed Logger writing structured JSON to w.
func New(w io.Writer) *ZerologLogger {
	return &ZerologLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// FromZerolog wraps an existing zerolog.Logger.
func FromZerolog(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

func (z *ZerologLogger) Debug(msg string, args ...any) {
	withFields(z.logger.Debug(), args).Msg(msg)
}

func (z *ZerologLogger) Info(msg string, args ...any) {
	withFields(z.logger.Info(), args).Msg(msg)
}

func (z *ZerologLogger) Warn(msg string, args ...any) {
	withFields(z.logger.Warn(), args).Msg(msg)
}

func (z *ZerologLogger) Error(msg string, args ...any) {
	withFields(z.logger.Error(), args).Msg(msg)
}

// withFields folds slog-style key/value pairs into a zerolog event.
// A dangling key without a value is still logged so the information is
// not silently lost.
func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			ev = ev.Interface("badkey", args[i])
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		ev = ev.Interface("dangling", args[len(args)-1])
	}
	return ev
}

// Nop discards everything. Used as the default when the caller does not
// provide a Logger.
func Nop() Logger {
	return &ZerologLogger{logger: zerolog.Nop()}
}

// Package tslog is the Logger collaborator named in spec §6: leveled
// trace/debug/info/notice/warning/err/crit/alert/emerg logging, backed
// by github.com/joeycumines/logiface with the github.com/joeycumines/stumpy
// JSON backend — "the model logger for logiface" per its own doc comment,
// wired here exactly as logiface-stumpy/example_test.go demonstrates.
package tslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type every package in this module takes
// as a collaborator.
type Logger = logiface.Logger[*stumpy.Event]

// New returns a Logger writing newline-delimited JSON to w (os.Stderr if
// w is nil).
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			_, err := w.Write(append(append([]byte(nil), e.Bytes()...), '\n'))
			return err
		})),
	)
}

// Nop returns a Logger with every level disabled, for tests that don't
// care about log output.
func Nop() *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
	)
}

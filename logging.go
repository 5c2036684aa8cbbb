package edgeagent

import (
	"context"
	"log/slog"
)

// nopLogger discards all output. Components default to it when no
// *slog.Logger is supplied via a WithLogger-style option, following the
// teacher's store/sqlite convention.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

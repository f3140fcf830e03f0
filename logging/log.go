package logging

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"

	"github.com/fatih/color"
)

type CustomHandlerOpts struct {
	SlogOpts slog.HandlerOptions
}

// CustomHandler renders records as a single colored line with any
// attributes appended as indented JSON. Attributes added via With are
// merged into every record; group names prefix their keys.
type CustomHandler struct {
	opts  CustomHandlerOpts
	attrs []slog.Attr
	group string
	l     *log.Logger
}

func NewCustomHandler(out io.Writer, opts CustomHandlerOpts) *CustomHandler {
	return &CustomHandler{
		opts: opts,
		l:    log.New(out, "", 0),
	}
}

func (ch *CustomHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if ch.opts.SlogOpts.Level != nil {
		min = ch.opts.SlogOpts.Level.Level()
	}
	return level >= min
}

func (ch *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *ch
	nh.attrs = append(append([]slog.Attr{}, ch.attrs...), attrs...)
	return &nh
}

func (ch *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return ch
	}
	nh := *ch
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return &nh
}

func (ch *CustomHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = color.WhiteString(level)
	case slog.LevelInfo:
		level = color.GreenString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	default:
		// Unrecognized level.
		level = color.HiWhiteString(level)
	}
	timeStr := r.Time.Format("[15:04:05]")
	message := color.HiWhiteString(r.Message)
	fields := make(map[string]interface{}, r.NumAttrs()+len(ch.attrs))
	for _, a := range ch.attrs {
		fields[ch.key(a.Key)] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[ch.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	if len(fields) == 0 {
		ch.l.Println(timeStr, level, message)
		return nil
	}
	j, err := json.MarshalIndent(fields, "", " ")
	if err != nil {
		return err
	}
	ch.l.Println(timeStr, level, message, color.WhiteString(string(j)))
	return nil
}

func (ch *CustomHandler) key(k string) string {
	if ch.group == "" {
		return k
	}
	return ch.group + "." + k
}

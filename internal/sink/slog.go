package sink

import (
	"context"
	"golang.org/x/exp/slog"

	"github.com/dalbodeule/hop-record/internal/logging"
)

// newSlogLogger 는 slog 를 요구하는 라이브러리(tusd)의 로그를 프로젝트 로거로 보냅니다.
// tusd 는 요청마다 Info 로그를 남기므로 Warn 미만은 Debug 로 내립니다.
func newSlogLogger(l logging.Logger) *slog.Logger {
	return slog.New(&slogHandler{l: l})
}

type slogHandler struct {
	l     logging.Logger
	attrs []slog.Attr
}

func (h *slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logging.Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	switch {
	case r.Level >= slog.LevelError:
		h.l.Error(r.Message, fields)
	case r.Level >= slog.LevelWarn:
		h.l.Warn(r.Message, fields)
	default:
		h.l.Debug(r.Message, fields)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{l: h.l, attrs: make([]slog.Attr, 0, len(h.attrs)+len(attrs))}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

// 그룹은 쓰지 않으므로 키를 평평하게 유지합니다.
func (h *slogHandler) WithGroup(string) slog.Handler { return h }

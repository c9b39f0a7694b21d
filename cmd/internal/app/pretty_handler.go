package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler renders one "key=value" line per record, optionally colored.
// Used for local development (HARVEST_LOG_FORMAT=pretty) and by harvest-chat on stderr.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		paint(ts.Format("15:04:05.000"), ansiDim, h.color),
		levelTag(r.Level, h.color),
		paint(r.Message, ansiBright, h.color),
	)

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			src := filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
			b.WriteString(" src=" + paint(src, ansiDim, h.color))
		}
	}

	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		h.appendAttr(&b, a, prefix)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	leaf := strings.TrimSpace(a.Key)
	if leaf == "" || a.Equal(slog.Attr{}) {
		return
	}
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, join(leaf))
		}
		return
	}

	// Styles and aliases apply to the leaf key, whatever group it sits in.
	out := quoteIfNeeded(valueToString(a.Value))
	if style, ok := prettyStyles[leaf]; ok {
		out = style(a.Value, h.color)
	}
	if alias, ok := prettyKeys[leaf]; ok {
		leaf = alias
	}
	b.WriteString(" " + join(leaf) + "=" + out)
}

// prettyKeys shortens the keys that dominate request and sync logs.
var prettyKeys = map[string]string{
	"status_class":    "class",
	"duration_ms":     "duration",
	"conversation_id": "conv",
	"message_id":      "msg",
	"subscription_id": "sub",
	"session_id":      "session",
}

type valueStyle func(v slog.Value, color bool) string

var prettyStyles = map[string]valueStyle{
	"method": func(v slog.Value, color bool) string {
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		return paint(m, methodColor(m), color)
	},
	"path": func(v slog.Value, color bool) string {
		return paint(strings.TrimSpace(v.String()), ansiCyan, color)
	},
	"status": func(v slog.Value, color bool) string {
		n, ok := valueToInt64(v)
		if !ok {
			return quoteIfNeeded(valueToString(v))
		}
		return paint(strconv.FormatInt(n, 10), classColor(statusClass(int(n))), color)
	},
	"status_class": func(v slog.Value, color bool) string {
		c := strings.TrimSpace(v.String())
		return paint(c, classColor(c), color)
	},
	"duration_ms": func(v slog.Value, color bool) string {
		n, ok := valueToInt64(v)
		if !ok {
			return quoteIfNeeded(valueToString(v))
		}
		return paint(strconv.FormatInt(n, 10)+"ms", latencyColor(n), color)
	},
	"result": func(v slog.Value, color bool) string {
		r := strings.ToLower(strings.TrimSpace(v.String()))
		return paint(quoteIfNeeded(r), resultColor(r), color)
	},
	"err": func(v slog.Value, color bool) string {
		return paint(quoteIfNeeded(valueToString(v)), ansiRed, color)
	},
	"attempt": func(v slog.Value, color bool) string {
		return paint(valueToString(v), ansiYellow, color)
	},
}

func methodColor(m string) string {
	switch m {
	case "GET", "HEAD":
		return ansiBlue
	case "POST":
		return ansiGreen
	case "PUT", "PATCH":
		return ansiYellow
	case "DELETE":
		return ansiRed
	default:
		return ansiMagenta
	}
}

func classColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	default:
		return ""
	}
}

func latencyColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiDim
	}
}

func resultColor(result string) string {
	switch result {
	case "success", "ok":
		return ansiGreen
	case "redirect":
		return ansiCyan
	case "client_error":
		return ansiYellow
	case "server_error", "error":
		return ansiRed
	default:
		return ""
	}
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}

func paint(s, code string, color bool) string {
	if !color || s == "" || code == "" {
		return s
	}
	return code + s + ansiReset
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		// Int64, Uint64, Float64, Bool and Duration format as slog does.
		return v.String()
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
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
)

// boundAttr is an attribute added through WithAttrs with the group path that
// was open at that time.
type boundAttr struct {
	prefix string
	attr   slog.Attr
}

// prettyHandler renders one key=value line per record for humans at a terminal.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []boundAttr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(applyDim(ts.Format("15:04:05.000"), h.color))
	b.WriteByte(' ')
	b.WriteString("lvl=")
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString("msg=")
	b.WriteString(applyBold(r.Message, h.color))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString("src=")
			b.WriteString(applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, ba := range h.attrs {
		h.appendAttr(&b, ba.attr, ba.prefix)
	}
	prefix := strings.Join(h.groups, ".")
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
	prefix := strings.Join(h.groups, ".")
	cp.attrs = append([]boundAttr{}, h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, boundAttr{prefix: prefix, attr: a})
	}
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

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

// Palettes map normalized values of well-known keys to a color.
var (
	statePalette = map[string]string{
		"open": ansiGreen, "authenticated": ansiGreen, "live": ansiGreen,
		"connecting": ansiYellow, "reconnecting": ansiYellow,
		"closed": ansiRed, "anonymous": ansiRed,
	}
	severityPalette = map[string]string{
		"critical": ansiRed + ansiBright, "error": ansiRed + ansiBright,
		"warning": ansiYellow,
		"info":    ansiBlue,
	}
	resultPalette = map[string]string{
		"ok": ansiGreen, "success": ansiGreen,
		"discarded": ansiYellow, "refresh_failed": ansiYellow,
		"failed": ansiRed, "rejected": ansiRed, "error": ansiRed,
	}
)

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "state", "from", "to":
		return h.fromPalette(statePalette, v)
	case "severity", "urgency":
		return h.fromPalette(severityPalette, v)
	case "result", "outcome":
		return h.fromPalette(resultPalette, v)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return paint(statusColor(n), strconv.FormatInt(n, 10), h.color)
		}
	case "elapsed_ms", "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return paint(latencyColor(n), strconv.FormatInt(n, 10)+"ms", h.color)
		}
	case "err":
		return paint(ansiRed, quoteIfNeeded(valueToString(v)), h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) fromPalette(palette map[string]string, v slog.Value) string {
	s := strings.ToLower(strings.TrimSpace(valueToString(v)))
	code, ok := palette[s]
	if !ok {
		return quoteIfNeeded(s)
	}
	return paint(code, s, h.color)
}

func remapPrettyKey(k string) string {
	if strings.HasSuffix(k, "duration_ms") || strings.HasSuffix(k, "elapsed_ms") {
		return strings.TrimSuffix(strings.TrimSuffix(k, "duration_ms"), "elapsed_ms") + "took"
	}
	return k
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
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

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint(ansiRed, "[ERROR]", color)
	case level >= slog.LevelWarn:
		return paint(ansiYellow, "[WARN]", color)
	case level < slog.LevelInfo:
		return paint(ansiMagenta, "[DEBUG]", color)
	default:
		return paint(ansiBlue, "[INFO]", color)
	}
}

// statusColor colors HTTP and websocket close codes alike: 1xxx close codes
// fall through uncolored.
func statusColor(code int64) string {
	switch {
	case code >= 500 && code < 600:
		return ansiRed
	case code >= 400 && code < 500:
		return ansiYellow
	case code >= 200 && code < 300:
		return ansiGreen
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
		return ansiGreen
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func paint(code, s string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return paint(ansiDim, s, color) }

func applyBold(s string, color bool) string { return paint(ansiBright, s, color) }

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

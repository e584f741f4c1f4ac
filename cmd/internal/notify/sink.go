package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiDim    = "\x1b[2m"
)

// TerminalSink renders notifications as lines and keeps a persistent
// "disconnected" indicator until the channel comes back.
type TerminalSink struct {
	w     io.Writer
	color bool
	now   func() time.Time

	mu        sync.Mutex
	connected bool
	known     bool
}

// NewTerminalSink writes to w. color enables ANSI colors.
func NewTerminalSink(w io.Writer, color bool) *TerminalSink {
	return &TerminalSink{w: w, color: color, now: time.Now}
}

func (s *TerminalSink) Notify(n Notification) {
	var b strings.Builder
	b.WriteString(s.paint(ansiDim, s.now().Format("15:04:05")))
	b.WriteByte(' ')
	if n.Icon != "" {
		b.WriteString(n.Icon)
		b.WriteByte(' ')
	}
	b.WriteString(s.paint(urgencyColor(n.Urgency), "["+strings.ToUpper(string(n.Urgency))+"]"))
	b.WriteByte(' ')
	b.WriteString(n.Title)
	if msg := strings.TrimSpace(n.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	b.WriteString(s.paint(ansiDim, fmt.Sprintf("  (%s, open %s)", n.Duration, n.Action.Target)))
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, b.String())
}

func (s *TerminalSink) Connectivity(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && s.connected == connected {
		return
	}
	s.known = true
	s.connected = connected

	line := s.paint(ansiRed, "● disconnected: live alerts paused")
	if connected {
		line = s.paint(ansiGreen, "● live")
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

// Connected reports the last indicator state shown.
func (s *TerminalSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *TerminalSink) paint(code, text string) string {
	if !s.color {
		return text
	}
	return code + text + ansiReset
}

func urgencyColor(u Urgency) string {
	switch u {
	case UrgencyError:
		return ansiRed
	case UrgencyWarning:
		return ansiYellow
	default:
		return ansiBlue
	}
}

// JSONSink writes one JSON object per line, for scripts and smoke tests.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink writes to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

type jsonLine struct {
	Kind         string        `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Connected    *bool         `json:"connected,omitempty"`
}

func (s *JSONSink) Notify(n Notification) {
	s.write(jsonLine{Kind: "notification", Notification: &n})
}

func (s *JSONSink) Connectivity(connected bool) {
	s.write(jsonLine{Kind: "connectivity", Connected: &connected})
}

func (s *JSONSink) write(v jsonLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(v)
}

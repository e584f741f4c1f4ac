// Package notify turns inbound alert events into time-bounded notifications.
package notify

import (
	"strings"
	"time"

	v1 "sentinel/shared/contracts/realtime/v1"
)

// Urgency is the presentation level of a notification.
type Urgency string

const (
	UrgencyError   Urgency = "error"
	UrgencyWarning Urgency = "warning"
	UrgencyInfo    Urgency = "info"
)

// AlertsRoute is where activating a notification navigates to.
const AlertsRoute = "/alerts"

// Rule is the presentation of one severity.
type Rule struct {
	Urgency  Urgency
	Duration time.Duration
	Icon     string
}

var (
	ruleCritical = Rule{Urgency: UrgencyError, Duration: 10 * time.Second, Icon: "🚨"}
	ruleWarning  = Rule{Urgency: UrgencyWarning, Duration: 5 * time.Second, Icon: "⚠️"}
	ruleInfo     = Rule{Urgency: UrgencyInfo, Duration: 5 * time.Second, Icon: "ℹ️"}
)

// Classify maps a severity to its rule. Unknown severities fall back to info.
func Classify(severity string) Rule {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case v1.SeverityCritical:
		return ruleCritical
	case v1.SeverityWarning:
		return ruleWarning
	default:
		return ruleInfo
	}
}

// Action is what activating a notification does.
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// Notification is the presentation record handed to a Sink.
type Notification struct {
	AlertID  string        `json:"alert_id"`
	Icon     string        `json:"icon"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	Severity string        `json:"severity"`
	Urgency  Urgency       `json:"urgency"`
	Duration time.Duration `json:"duration"`
	Action   Action        `json:"action"`
}

// FromAlert builds the notification for ev. It keeps no state between calls.
func FromAlert(ev v1.AlertEvent) Notification {
	rule := Classify(ev.Severity)
	return Notification{
		AlertID:  ev.ID,
		Icon:     rule.Icon,
		Title:    ev.Title,
		Message:  ev.Message,
		Severity: ev.Severity,
		Urgency:  rule.Urgency,
		Duration: rule.Duration,
		Action:   Action{Kind: "navigate", Target: AlertsRoute},
	}
}

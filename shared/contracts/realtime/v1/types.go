// Package v1 defines the Sentinel Realtime Protocol v1 contract.
//
// The channel is server-push only: the backend emits alert envelopes and the
// client never writes application frames. This package is shared between the
// dev backend and the client so the wire format stays authoritative.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated on every handshake.
const Subprotocol = "sentinel.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeNewAlert announces a freshly triggered alert (server -> client).
	TypeNewAlert = "new_alert"
	// TypeAlertUpdated announces a status change of an existing alert (server -> client).
	TypeAlertUpdated = "alert_updated"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Severity levels carried by alert events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert statuses.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// Codes carried by a rejected handshake in {"error":{"code","message"}}.
// Only CodeTokenExpired is worth a credential refresh.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeInvalidToken = "INVALID_TOKEN"
)

// ErrMalformedEvent is returned when an alert payload lacks required fields.
var ErrMalformedEvent = errors.New("malformed alert event")

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeNewAlert, TypeAlertUpdated, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// AlertEvent is the payload of new_alert and alert_updated.
type AlertEvent struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id,omitempty"`
	SensorID       string          `json:"sensor_id,omitempty"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Severity       string          `json:"severity"`
	Status         string          `json:"status,omitempty"`
	TriggeredValue *float64        `json:"triggered_value,omitempty"`
	Category       string          `json:"category,omitempty"`
	EvidenceData   json.RawMessage `json:"evidence_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts numeric or string identifiers and a triggered_value
// sent either as a number or as a decimal string.
func (a *AlertEvent) UnmarshalJSON(data []byte) error {
	type plain AlertEvent
	aux := struct {
		*plain
		ID             looseString `json:"id"`
		DeviceID       looseString `json:"device_id"`
		SensorID       looseString `json:"sensor_id"`
		TriggeredValue looseFloat  `json:"triggered_value"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.ID = string(aux.ID)
	a.DeviceID = string(aux.DeviceID)
	a.SensorID = string(aux.SensorID)
	a.TriggeredValue = aux.TriggeredValue.v
	return nil
}

// looseString decodes a JSON string or number into its text form.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", data)
	}
	*s = looseString(n.String())
	return nil
}

// looseFloat decodes a JSON number or numeric string. Text that does not
// parse as a number leaves the value unset.
type looseFloat struct{ v *float64 }

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return nil
	}
	f.v = &v
	return nil
}

// Validate reports ErrMalformedEvent when the event cannot be presented.
func (a AlertEvent) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrMalformedEvent)
	}
	return nil
}

// DecodeAlert unmarshals and validates an alert payload.
func DecodeAlert(payload json.RawMessage) (AlertEvent, error) {
	if len(payload) == 0 {
		return AlertEvent{}, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	var ev AlertEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return AlertEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return AlertEvent{}, err
	}
	return ev, nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

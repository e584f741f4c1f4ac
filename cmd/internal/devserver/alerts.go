package devserver

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel/cmd/internal/ids"
	v1 "sentinel/shared/contracts/realtime/v1"
)

var ErrAlertNotFound = errors.New("alert not found")

// AlertStore keeps the most recent alerts in memory, deduplicated by id.
type AlertStore struct {
	limit int

	mu    sync.Mutex
	byID  map[string]v1.AlertEvent
	order []string // oldest first
}

// NewAlertStore keeps at most limit alerts.
func NewAlertStore(limit int) *AlertStore {
	if limit <= 0 {
		limit = 200
	}
	return &AlertStore{
		limit: limit,
		byID:  make(map[string]v1.AlertEvent, limit),
		order: make([]string, 0, limit),
	}
}

// Append stores ev. An id already present returns the stored copy and true.
func (s *AlertStore) Append(ev v1.AlertEvent) (v1.AlertEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[ev.ID]; ok {
		return existing, true
	}

	s.byID[ev.ID] = ev
	s.order = append(s.order, ev.ID)
	if len(s.order) > s.limit {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, evicted)
	}
	return ev, false
}

// SetStatus changes the status of a stored alert.
func (s *AlertStore) SetStatus(id, status string, now time.Time) (v1.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return v1.AlertEvent{}, ErrAlertNotFound
	}
	ev.Status = status
	ev.UpdatedAt = now
	s.byID[id] = ev
	return ev, nil
}

// Recent returns up to n alerts, newest first.
func (s *AlertStore) Recent(n int) []v1.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.order) {
		n = len(s.order)
	}
	out := make([]v1.AlertEvent, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out
}

func (s *AlertStore) open() []v1.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []v1.AlertEvent
	for _, id := range s.order {
		if ev := s.byID[id]; ev.Status != v1.StatusResolved {
			out = append(out, ev)
		}
	}
	return out
}

type alertTemplate struct {
	category string
	severity string
	title    string
	message  string
	lo, hi   float64
}

var alertTemplates = []alertTemplate{
	{"geotechnical", v1.SeverityCritical, "Landslide risk", "Slope displacement exceeded the critical threshold", 25, 60},
	{"hydrology", v1.SeverityWarning, "Water level rising", "River gauge is above the warning mark", 3.2, 4.8},
	{"weather", v1.SeverityWarning, "Heavy rainfall", "Rainfall intensity is above the hourly limit", 40, 90},
	{"device", v1.SeverityInfo, "Sensor battery low", "Battery level dropped below 20%", 5, 19},
	{"device", v1.SeverityInfo, "Sensor back online", "Heartbeat received after an outage", 0, 0},
	{"geotechnical", v1.SeverityCritical, "Ground vibration spike", "Accelerometer peak above the safety envelope", 0.4, 1.2},
}

// Simulator raises and updates alerts and broadcasts them on the hub.
type Simulator struct {
	log      *slog.Logger
	store    *AlertStore
	hub      *Hub
	interval time.Duration
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator builds a simulator. A non-positive interval disables Run's ticker.
func NewSimulator(log *slog.Logger, store *AlertStore, hub *Hub, interval time.Duration, now func() time.Time) *Simulator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Simulator{
		log:      log,
		store:    store,
		hub:      hub,
		interval: interval,
		now:      now,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Raise stores ev and broadcasts it as new_alert. Missing id and timestamps are filled in.
func (s *Simulator) Raise(ev v1.AlertEvent) (v1.AlertEvent, error) {
	now := s.now()
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = ids.UUID()
	}
	if ev.Severity == "" {
		ev.Severity = v1.SeverityInfo
	}
	if ev.Status == "" {
		ev.Status = v1.StatusOpen
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	stored, dup := s.store.Append(ev)
	if dup {
		return stored, nil
	}

	n, err := s.hub.Publish(v1.TypeNewAlert, stored, now)
	if err != nil {
		return stored, err
	}
	s.log.Info("alert.raise", "alert_id", stored.ID, "severity", stored.Severity, "recipients", n)
	return stored, nil
}

// Update changes an alert's status and broadcasts alert_updated.
func (s *Simulator) Update(id, status string) (v1.AlertEvent, error) {
	now := s.now()
	ev, err := s.store.SetStatus(id, status, now)
	if err != nil {
		return v1.AlertEvent{}, err
	}
	n, err := s.hub.Publish(v1.TypeAlertUpdated, ev, now)
	if err != nil {
		return ev, err
	}
	s.log.Info("alert.update", "alert_id", ev.ID, "status", ev.Status, "recipients", n)
	return ev, nil
}

// Tick raises a random alert or advances an open one.
func (s *Simulator) Tick() {
	s.mu.Lock()
	roll := s.rng.IntN(10)
	tpl := alertTemplates[s.rng.IntN(len(alertTemplates))]
	device := s.rng.IntN(40) + 1
	value := tpl.lo + s.rng.Float64()*(tpl.hi-tpl.lo)
	s.mu.Unlock()

	if roll < 3 {
		if open := s.store.open(); len(open) > 0 {
			ev := open[0]
			next := v1.StatusAcknowledged
			if ev.Status == v1.StatusAcknowledged {
				next = v1.StatusResolved
			}
			if _, err := s.Update(ev.ID, next); err != nil {
				s.log.Warn("alert.update.fail", "alert_id", ev.ID, "err", err)
			}
			return
		}
	}

	ev := v1.AlertEvent{
		DeviceID: "dev-" + strconv.Itoa(device),
		SensorID: "sns-" + strconv.Itoa(device*10+roll),
		Title:    tpl.title,
		Message:  tpl.message,
		Severity: tpl.severity,
		Category: tpl.category,
	}
	if tpl.hi > 0 {
		v := value
		ev.TriggeredValue = &v
	}
	if _, err := s.Raise(ev); err != nil {
		s.log.Warn("alert.raise.fail", "err", err)
	}
}

// Run ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}

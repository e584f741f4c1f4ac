package notify

import (
	"context"
	"log/slog"
	"sync"

	"sentinel/cmd/internal/metrics"
	"sentinel/cmd/internal/realtime"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// Sink presents notifications and the connectivity indicator.
// Calls come from the dispatcher's Run goroutine only.
type Sink interface {
	Notify(n Notification)
	Connectivity(connected bool)
}

const defaultQueueSize = 64

// Dispatcher binds alert listeners on every channel and feeds a Sink.
// Channel handlers only enqueue, so a slow sink never stalls the read loop.
// Notifications are dropped when the queue is full; the connectivity
// indicator lives in its own slot that always holds the latest state.
type Dispatcher struct {
	log      *slog.Logger
	sink     Sink
	metrics  *metrics.Metrics
	onUpdate func(v1.AlertEvent)

	queue chan Notification

	statusMu sync.Mutex
	status   chan bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize bounds the pending delivery queue.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Notification, n)
		}
	}
}

// WithMetrics records deliveries and drops on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithUpdateObserver receives alert_updated events. It runs on the channel
// read goroutine and must not block.
func WithUpdateObserver(fn func(v1.AlertEvent)) Option {
	return func(d *Dispatcher) { d.onUpdate = fn }
}

// NewDispatcher builds a Dispatcher delivering to sink.
func NewDispatcher(log *slog.Logger, sink Sink, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		log:    log,
		sink:   sink,
		queue:  make(chan Notification, defaultQueueSize),
		status: make(chan bool, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Bind registers the alert listeners on ch. It satisfies realtime.Binder.
func (d *Dispatcher) Bind(ch *realtime.Channel) {
	ch.On(v1.TypeNewAlert, d.handleNewAlert)
	ch.On(v1.TypeAlertUpdated, d.handleAlertUpdated)
}

// OnStatus maps channel status changes onto the connectivity indicator.
// A close caused by logout does not raise the indicator.
func (d *Dispatcher) OnStatus(change realtime.StatusChange) {
	switch {
	case change.To == realtime.StateOpen:
		d.connectivity(true)
	case change.To == realtime.StateReconnecting:
		d.connectivity(false)
	case change.To == realtime.StateClosed && change.Reason != nil:
		d.connectivity(false)
	}
}

func (d *Dispatcher) handleNewAlert(env v1.Envelope) {
	ev, err := v1.DecodeAlert(env.Payload)
	if err != nil {
		d.metrics.DroppedEvent("malformed")
		d.log.Warn("notify.event.drop", "envelope_id", env.ID, "err", err)
		return
	}

	n := FromAlert(ev)
	select {
	case d.queue <- n:
	default:
		d.metrics.DroppedEvent("queue_full")
		d.log.Warn("notify.queue.full", "alert_id", ev.ID)
	}
}

func (d *Dispatcher) handleAlertUpdated(env v1.Envelope) {
	ev, err := v1.DecodeAlert(env.Payload)
	if err != nil {
		d.metrics.DroppedEvent("malformed")
		d.log.Warn("notify.event.drop", "envelope_id", env.ID, "err", err)
		return
	}

	d.metrics.AlertUpdate()
	d.log.Debug("notify.alert.updated", "alert_id", ev.ID, "status", ev.Status)
	if d.onUpdate != nil {
		d.onUpdate(ev)
	}
}

// connectivity replaces any undelivered indicator state with connected.
func (d *Dispatcher) connectivity(connected bool) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	select {
	case <-d.status:
	default:
	}
	d.status <- connected
}

// Run delivers queued items to the sink until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case connected := <-d.status:
			d.safely(func() { d.sink.Connectivity(connected) })
		case n := <-d.queue:
			d.safely(func() { d.sink.Notify(n) })
			d.metrics.Notification(string(n.Urgency))
		}
	}
}

func (d *Dispatcher) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notify.sink.panic", "panic", r)
		}
	}()
	fn()
}

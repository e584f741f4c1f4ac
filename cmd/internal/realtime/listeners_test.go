package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "sentinel/shared/contracts/realtime/v1"
)

func TestListeners_OnRemoveAndDispatch(t *testing.T) {
	t.Parallel()

	l := NewListeners(quietLogger())
	var a, b int
	removeA := l.On(v1.TypeNewAlert, func(v1.Envelope) { a++ })
	l.On(v1.TypeNewAlert, func(v1.Envelope) { b++ })
	l.On(v1.TypeAlertUpdated, func(v1.Envelope) {})
	assert.Equal(t, 3, l.Len())

	assert.Equal(t, 2, l.Dispatch(v1.Envelope{Type: v1.TypeNewAlert}))
	removeA()
	removeA()
	assert.Equal(t, 1, l.Dispatch(v1.Envelope{Type: v1.TypeNewAlert}))
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 2, l.Len())
}

func TestListeners_RemoveAllClosesRegistry(t *testing.T) {
	t.Parallel()

	l := NewListeners(quietLogger())
	l.On(v1.TypeNewAlert, func(v1.Envelope) {})
	l.RemoveAll()
	assert.Zero(t, l.Len())

	l.On(v1.TypeNewAlert, func(v1.Envelope) {})
	assert.Zero(t, l.Len(), "registration after teardown must not resurrect a listener")
	assert.Zero(t, l.Dispatch(v1.Envelope{Type: v1.TypeNewAlert}))
}

func TestListeners_PanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()

	l := NewListeners(quietLogger())
	ran := false
	l.On(v1.TypeNewAlert, func(v1.Envelope) { panic("bad handler") })
	l.On(v1.TypeNewAlert, func(v1.Envelope) { ran = true })

	assert.NotPanics(t, func() { l.Dispatch(v1.Envelope{Type: v1.TypeNewAlert}) })
	assert.True(t, ran)
}

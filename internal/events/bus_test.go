package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeByType(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeDegradationChanged)

	b.Emit(TypeDegradationChanged, "backpressure", "", map[string]interface{}{"newLevel": "high"})
	b.Emit(TypeSLOBreach, "slo", "publish_success_rate", nil)

	e := recv(t, ch)
	assert.Equal(t, TypeDegradationChanged, e.Type)
	assert.Equal(t, "high", e.Data["newLevel"])

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event: %s", extra.Type)
	default:
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()

	b.Emit(TypeStrategyUpdated, "strategy", "low", nil)
	b.Emit(TypeMetricUpdate, "etl", "", nil)

	assert.Equal(t, TypeStrategyUpdated, recv(t, ch).Type)
	assert.Equal(t, TypeMetricUpdate, recv(t, ch).Type)
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe(TypeMessageDropped)

	b.Emit(TypeMessageDropped, "backpressure", "s1", nil)
	b.Emit(TypeMessageDropped, "backpressure", "s2", nil)

	assert.Equal(t, uint64(1), b.DroppedCount())
	e := recv(t, ch)
	assert.Equal(t, "s1", e.Subject)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeSLOBreach)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	e := NewEvent(TypeStrategyChanged, "strategy", "high", map[string]interface{}{"toLevel": "high"})

	frame, err := e.SSEFormat()
	require.NoError(t, err)

	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: "+TypeStrategyChanged+"\n"))
	assert.Contains(t, text, `"toLevel":"high"`)
	assert.Contains(t, text, "id: "+e.ID)
	assert.True(t, strings.HasSuffix(text, "\n\n"))
}

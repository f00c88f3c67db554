package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	g := NewGateway(NewMemoryBackend(), nil)
	require.NoError(t, g.CreateStream(context.Background(), StreamConfig{
		Name:            "METRICS",
		Subjects:        []string{"kpi.metrics.>", "kpi.events.>"},
		Retention:       RetentionLimits,
		DuplicateWindow: time.Minute,
	}))
	require.NoError(t, g.CreateStream(context.Background(), StreamConfig{
		Name:     "DLQ",
		Subjects: []string{SubjectDeadLetter},
	}))
	return g
}

func TestPublishRoutesBySubject(t *testing.T) {
	g := testGateway(t)

	receipt, err := g.Publish(context.Background(), "kpi.metrics.alice.high", []byte(`{"v":1}`), "m1")
	require.NoError(t, err)
	assert.Equal(t, "METRICS", receipt.Stream)
	assert.Equal(t, uint64(1), receipt.Seq)

	_, err = g.Publish(context.Background(), "billing.invoices", []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrNoStreamFor)
}

func TestPublishDuplicateWithinWindow(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	_, err := g.Publish(ctx, "kpi.metrics.alice.high", []byte(`{"v":1}`), "same-id")
	require.NoError(t, err)

	receipt, err := g.Publish(ctx, "kpi.metrics.alice.high", []byte(`{"v":2}`), "same-id")
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.True(t, receipt.Duplicate)

	info, err := g.StreamInfo(ctx, "METRICS")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Messages)
}

func TestCreateStreamConflict(t *testing.T) {
	g := testGateway(t)

	err := g.CreateStream(context.Background(), StreamConfig{
		Name:            "METRICS",
		Subjects:        []string{"something.else"},
		Retention:       RetentionLimits,
		DuplicateWindow: time.Minute,
	})
	assert.ErrorIs(t, err, ErrConfigConflict)
}

func TestBatchPublishPreservesOrderAndPartialFailure(t *testing.T) {
	g := testGateway(t)

	payloads := [][]byte{[]byte(`{"i":0}`), []byte(`{"i":1}`), []byte(`{"i":2}`)}
	ids := []string{"a", "a", "b"} // second entry is a duplicate of the first

	outcomes := g.BatchPublish(context.Background(), "kpi.metrics.alice.low", payloads, ids)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Index)
		require.NotNil(t, o.Receipt, "entry %d", i)
	}
	// Duplicates count as success with the Duplicate flag.
	assert.True(t, outcomes[0].Receipt.Duplicate || outcomes[1].Receipt.Duplicate)
}

func TestFetchAckConsumesOnce(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConsumer(ctx, ConsumerConfig{
		Stream: "METRICS", Name: "worker", AckWait: 50 * time.Millisecond,
	}))

	_, err := g.Publish(ctx, "kpi.metrics.alice.high", []byte(`{"v":1}`), "m1")
	require.NoError(t, err)

	msgs, err := g.Fetch(ctx, "METRICS", "worker", 10, 10*time.Millisecond, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Ack(ctx))

	msgs, err = g.Fetch(ctx, "METRICS", "worker", 10, 10*time.Millisecond, 3)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNakRedeliversUntilMaxThenDeadLetters(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConsumer(ctx, ConsumerConfig{
		Stream: "METRICS", Name: "worker", AckWait: 10 * time.Millisecond, MaxDeliver: 2,
	}))
	_, err := g.Publish(ctx, "kpi.metrics.alice.high", []byte(`{"bad":true}`), "m1")
	require.NoError(t, err)

	// First delivery, nak for redelivery.
	msgs, err := g.Fetch(ctx, "METRICS", "worker", 1, 20*time.Millisecond, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Nak(ctx, "decode failure"))

	// Second delivery hits max-deliver: nak routes to the DLQ and acks.
	msgs, err = g.Fetch(ctx, "METRICS", "worker", 1, 100*time.Millisecond, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Envelope.Deliveries)
	require.NoError(t, msgs[0].Nak(ctx, "decode failure"))

	dead := g.RecentDeadLetters(10)
	require.Len(t, dead, 1)
	assert.Equal(t, "kpi.metrics.alice.high", dead[0].OriginalSubject)
	assert.Equal(t, "decode failure", dead[0].Reason)

	// Original is gone from the work stream's pending set.
	msgs, err = g.Fetch(ctx, "METRICS", "worker", 1, 30*time.Millisecond, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeadLetterRingNewestFirstAndTakeOldestFirst(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := g.PublishDeadLetter(ctx, MetricSubject("alice", "low"), []byte{byte('0' + byte(i))}, "validation")
		require.NoError(t, err)
	}

	recent := g.RecentDeadLetters(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", string(recent[0].Payload))
	assert.Equal(t, "1", string(recent[1].Payload))

	taken := g.TakeDeadLetters(2)
	require.Len(t, taken, 2)
	assert.Equal(t, "0", string(taken[0].Payload))
	assert.Equal(t, "1", string(taken[1].Payload))
	assert.Len(t, g.RecentDeadLetters(0), 1)
}

func TestHealthCheckPublishes(t *testing.T) {
	g := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, g.HealthCheck(ctx))
}

func TestConsumerFilterSubject(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConsumer(ctx, ConsumerConfig{
		Stream: "METRICS", Name: "critical-only", FilterSubject: "kpi.metrics.*.critical",
	}))

	_, err := g.Publish(ctx, "kpi.metrics.alice.low", []byte(`{}`), "")
	require.NoError(t, err)
	_, err = g.Publish(ctx, "kpi.metrics.bob.critical", []byte(`{}`), "")
	require.NoError(t, err)

	msgs, err := g.Fetch(ctx, "METRICS", "critical-only", 10, 10*time.Millisecond, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kpi.metrics.bob.critical", msgs[0].Envelope.Subject)
}

package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/testutil"
)

// startBroker provides a throwaway RabbitMQ for the test. Requires Docker.
func startBroker(t *testing.T) *model.Federation {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	tc := testutil.MustStartRabbitMQ()
	t.Cleanup(tc.Terminate)
	return &model.Federation{ID: "fedtest", Broker: tc.AMQPURI}
}

func collect(ch chan model.Message, wait time.Duration) []model.Message {
	var out []model.Message
	deadline := time.After(wait)
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-deadline:
			return out
		}
	}
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	fed := startBroker(t)
	logger := testutil.TestLogger()

	recvA := make(chan model.Message, 8)
	recvB := make(chan model.Message, 8)

	chA, err := NewBrokerChannel(fed, string(model.QueueEvents), func(m model.Message) { recvA <- m }, logger)
	require.NoError(t, err)
	defer chA.Close()

	chB, err := NewBrokerChannel(fed, string(model.QueueEvents), func(m model.Message) { recvB <- m }, logger)
	require.NoError(t, err)
	defer chB.Close()

	msg, err := model.NewMessage(newTestIdentity("svc").Ref(), model.ClassServiceLifecycle, model.TypeServiceAvailable, "reasoner")
	require.NoError(t, err)
	require.NoError(t, chA.Publish(context.Background(), msg))

	gotB := collect(recvB, 3*time.Second)
	require.Len(t, gotB, 1, "second subscriber receives the broadcast")
	assert.Equal(t, msg.ID, gotB[0].ID)
	assert.True(t, gotB[0].Is(model.ClassServiceLifecycle, model.TypeServiceAvailable))

	// The publisher's own consumer filters the echo.
	assert.Empty(t, collect(recvA, 500*time.Millisecond))
}

func TestDirectPublishReachesBoundIdentity(t *testing.T) {
	fed := startBroker(t)
	logger := testutil.TestLogger()

	recv := make(chan model.Message, 8)
	consumer, err := NewBrokerChannel(fed, string(model.QueueEvents), func(m model.Message) { recv <- m }, logger)
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.EnsureSubscription("session-1"))

	producer, err := NewBrokerChannel(fed, string(model.QueueEvents), nil, logger)
	require.NoError(t, err)
	defer producer.Close()

	msg, err := model.NewMessage(newTestIdentity("svc").Ref(), model.ClassNotification, model.TypeInfo, "direct")
	require.NoError(t, err)
	require.NoError(t, producer.PublishDirect(context.Background(), "session-1", msg))

	got := collect(recv, 3*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)

	// After dropping the binding, further direct sends are not routed here.
	require.NoError(t, consumer.DropSubscription("session-1"))
	msg2, err := model.NewMessage(newTestIdentity("svc").Ref(), model.ClassNotification, model.TypeInfo, "late")
	require.NoError(t, err)
	require.NoError(t, producer.PublishDirect(context.Background(), "session-1", msg2))
	assert.Empty(t, collect(recv, 500*time.Millisecond))
}

func TestCloseDeletesPrivateQueue(t *testing.T) {
	fed := startBroker(t)
	logger := testutil.TestLogger()

	recv := make(chan model.Message, 8)
	subscriber, err := NewBrokerChannel(fed, string(model.QueueStatus), func(m model.Message) { recv <- m }, logger)
	require.NoError(t, err)

	producer, err := NewBrokerChannel(fed, string(model.QueueStatus), nil, logger)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, subscriber.Close())
	assert.False(t, subscriber.Online())

	// The fanout exchange survives the departed subscriber; publishing to it
	// must not error, and nothing is delivered anywhere.
	msg, err := model.NewMessage(newTestIdentity("svc").Ref(), model.ClassNotification, model.TypeInfo, "after close")
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), msg))
	assert.Empty(t, collect(recv, 500*time.Millisecond))
}

func TestMalformedBodyRejectedAndConsumptionContinues(t *testing.T) {
	fed := startBroker(t)
	logger := testutil.TestLogger()

	recv := make(chan model.Message, 8)
	subscriber, err := NewBrokerChannel(fed, string(model.QueueErrors), func(m model.Message) { recv <- m }, logger)
	require.NoError(t, err)
	defer subscriber.Close()

	producer, err := NewBrokerChannel(fed, string(model.QueueErrors), nil, logger)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.publish(context.Background(), producer.exchange, producer.queue, []byte("not json")))

	msg, err := model.NewMessage(newTestIdentity("svc").Ref(), model.ClassNotification, model.TypeError, "real")
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), msg))

	got := collect(recv, 3*time.Second)
	require.Len(t, got, 1, "valid message delivered after the malformed one was rejected")
	assert.Equal(t, msg.ID, got[0].ID)
}

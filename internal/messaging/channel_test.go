package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/testutil"
)

func TestLogChannelFlags(t *testing.T) {
	ch := NewLogChannel(newTestIdentity("u"), testutil.TestLogger())

	assert.False(t, ch.IsInterrupted())
	assert.False(t, ch.HasErrors())

	ch.Error("boom")
	assert.True(t, ch.HasErrors())

	ch.Interrupt()
	assert.True(t, ch.IsInterrupted())
}

func TestDerivedChannelSharesFlags(t *testing.T) {
	parent := NewLogChannel(newTestIdentity("u"), testutil.TestLogger())
	child := parent.Derive()

	child.Error("child failed")
	assert.True(t, parent.HasErrors(), "error in a child propagates to the parent channel")

	parent.Interrupt()
	assert.True(t, child.IsInterrupted(), "interruption reaches derived channels")
}

func TestLogChannelSendConstructsMessage(t *testing.T) {
	ch := NewLogChannel(newTestIdentity("u"), testutil.TestLogger())

	m := ch.Send(model.ClassNotification, model.TypeInfo, "payload")
	assert.NotZero(t, m.ID)
	assert.True(t, m.Is(model.ClassNotification, model.TypeInfo))
	assert.Equal(t, ch.Identity().Ref(), m.Sender)
}

func TestMessagingChannelSendReachesBus(t *testing.T) {
	bus := NewBus(testutil.TestLogger())
	identity := newTestIdentity("session")
	recv := newTestReceiver(identity.ID)
	require.NoError(t, bus.Subscribe(recv))

	ch := NewMessagingChannel(NewLogChannel(identity, testutil.TestLogger()), bus, identity.ID)

	sent := ch.Send(model.ClassSessionLifecycle, model.TypeScopeCreated, nil)
	got := recv.next(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, identity.ID, got.DispatchID)
}

func TestMessagingChannelPostCorrelatesReply(t *testing.T) {
	bus := NewBus(testutil.TestLogger())
	identity := newTestIdentity("session")
	ch := NewMessagingChannel(NewLogChannel(identity, testutil.TestLogger()), bus, identity.ID)

	replies := make(chan model.Message, 1)
	req := ch.Post(func(m model.Message) { replies <- m },
		model.ClassActorCommunication, model.TypeCommandRequest, "do")
	require.NotZero(t, req.ID)

	reply, err := model.Reply(req, newTestIdentity("svc").Ref(), model.TypeCommandResponse, "done")
	require.NoError(t, err)
	bus.Dispatch(reply)

	select {
	case m := <-replies:
		assert.Equal(t, req.ID, m.InResponseTo)
	case <-time.After(2 * time.Second):
		t.Fatal("reply handler never invoked")
	}
	assert.Equal(t, 0, bus.PendingResponders())
}

func TestPGChannelName(t *testing.T) {
	assert.Equal(t, "klab_fed_x_events", PGChannelName("fed.x", "Events"))
}

func TestBusCloseClosesTransport(t *testing.T) {
	bus := NewBus(testutil.TestLogger())
	transport := &recordingTransport{}
	bus.SetTransport(transport)
	require.NoError(t, bus.Close())
	assert.Equal(t, int64(1), transport.closed.Load())
}

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smpagent/core/store"
)

type fakeTransport struct {
	dialCalls int
	events    chan *InboundEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan *InboundEvent, 8)}
}

func (f *fakeTransport) Dial(ctx context.Context, server store.ServerRef) (string, error) {
	f.dialCalls++
	return "session-1", nil
}

func (f *fakeTransport) CreateQueue(ctx context.Context, server store.ServerRef) ([]byte, []byte, error) {
	return []byte("recipient"), []byte("smp://queue"), nil
}

func (f *fakeTransport) SecureQueue(ctx context.Context, server store.ServerRef, recipientID, senderKey []byte) error {
	return nil
}

func (f *fakeTransport) SendAck(ctx context.Context, server store.ServerRef, recipientID, serverMsgID []byte) error {
	return nil
}

func (f *fakeTransport) SuspendQueue(ctx context.Context, server store.ServerRef, recipientID []byte) (int, error) {
	return 0, nil
}

func (f *fakeTransport) DeleteQueue(ctx context.Context, server store.ServerRef, recipientID []byte) error {
	return nil
}

func (f *fakeTransport) SubscribeQueue(ctx context.Context, server store.ServerRef, recipientID []byte) error {
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, server store.ServerRef, senderID, body []byte) error {
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (*InboundEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testServer() store.ServerRef {
	return store.ServerRef{Host: "relay.example", Port: 5223}
}

func TestCreateAndSecureQueue(t *testing.T) {
	ft := newFakeTransport()
	pool := NewPool(ft, 4)

	ctx := context.Background()
	recipientID, uri, err := pool.CreateRcvQueue(ctx, testServer())
	require.NoError(t, err)
	require.Equal(t, []byte("recipient"), recipientID)
	require.NotEmpty(t, uri)
	require.Equal(t, 1, ft.dialCalls)

	require.NoError(t, pool.SecureQueue(ctx, testServer(), recipientID, []byte("senderkey")))
	// Second call to the same server reuses the cached session.
	require.NoError(t, pool.SecureQueue(ctx, testServer(), recipientID, []byte("senderkey")))
	require.Equal(t, 1, ft.dialCalls)
}

func TestEventsFlowThroughPool(t *testing.T) {
	ft := newFakeTransport()
	pool := NewPool(ft, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Halt()

	ft.events <- &InboundEvent{Server: testServer(), SessionID: "session-1", BrokerMsg: []byte("hi")}

	select {
	case ev := <-pool.Events():
		require.Equal(t, "session-1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestInvalidateSessionOnMatchingEnd(t *testing.T) {
	ft := newFakeTransport()
	pool := NewPool(ft, 4)
	ctx := context.Background()

	_, _, err := pool.CreateRcvQueue(ctx, testServer())
	require.NoError(t, err)

	require.True(t, pool.InvalidateSession(testServer(), "session-1"))
	require.False(t, pool.InvalidateSession(testServer(), "stale-session"))
}

package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
)

func TestClassifyQuotaOnConnInfoIsPermanentDrop(t *testing.T) {
	action, appErr := classify(store.KindConnInfo, store.DuplexFalse, true, &relay.SmpError{Kind: relay.SmpQuota})
	require.Equal(t, actionPermanentDrop, action)
	require.Equal(t, ErrNotAvailable, appErr)
}

func TestClassifyQuotaOnQTestCancelsRotation(t *testing.T) {
	action, _ := classify(store.KindQTest, store.DuplexTrue, true, &relay.SmpError{Kind: relay.SmpQuota})
	require.Equal(t, actionCancelRotation, action)
}

func TestClassifyAuthOnAMsgSurfacesMerr(t *testing.T) {
	action, appErr := classify(store.KindAMsg, store.DuplexTrue, true, &relay.SmpError{Kind: relay.SmpAuth})
	require.Equal(t, actionPermanentSurface, action)
	require.Equal(t, ErrMessage, appErr)
}

func TestClassifyAuthOnConnInfoSurfacesNotAvailable(t *testing.T) {
	// Scenario 3 (reject-then-AUTH): a rejected peer's queue answers a
	// later AgentConfirmation attempt with AUTH; that must surface as an
	// ERR CONN NOT_AVAILABLE to the app, not drop silently like QUOTA does.
	action, appErr := classify(store.KindConnInfo, store.DuplexTrue, true, &relay.SmpError{Kind: relay.SmpAuth})
	require.Equal(t, actionPermanentSurface, action)
	require.Equal(t, ErrNotAvailable, appErr)
}

func TestClassifyAuthOnHelloDuplexHandshakeFailsImmediately(t *testing.T) {
	initAction, initErr := classify(store.KindHello, store.DuplexTrue, true, &relay.SmpError{Kind: relay.SmpAuth})
	require.Equal(t, actionPermanentSurface, initAction)
	require.Equal(t, ErrNotAvailable, initErr)

	respAction, respErr := classify(store.KindHello, store.DuplexTrue, false, &relay.SmpError{Kind: relay.SmpAuth})
	require.Equal(t, actionPermanentSurface, respAction)
	require.Equal(t, ErrNotAccepted, respErr)
}

func TestClassifyAuthOnHelloLegacyRetries(t *testing.T) {
	action, appErr := classify(store.KindHello, store.DuplexFalse, true, &relay.SmpError{Kind: relay.SmpAuth})
	require.Equal(t, actionRetry, action)
	require.Equal(t, AppError(""), appErr)
}

func TestTimeoutAppErrOnHelloDeadline(t *testing.T) {
	require.Equal(t, ErrNotAvailable, timeoutAppErr(store.KindHello, true))
	require.Equal(t, ErrNotAccepted, timeoutAppErr(store.KindHello, false))
	require.Equal(t, ErrGeneric, timeoutAppErr(store.KindAMsg, true))
}

func TestClassifyTransientNetworkRetries(t *testing.T) {
	action, _ := classify(store.KindAMsg, store.DuplexTrue, true, &relay.NetworkError{Err: errors.New("connection reset")})
	require.Equal(t, actionRetry, action)
}

func TestClassifyUnknownErrorSurfaces(t *testing.T) {
	action, appErr := classify(store.KindAMsg, store.DuplexTrue, true, errors.New("weird failure"))
	require.Equal(t, actionPermanentSurface, action)
	require.Equal(t, ErrGeneric, appErr)
}

type fakeTransport struct {
	failWith   error // consumed on the next SendMessage, then clears
	failAlways error // if set, every SendMessage fails with this error
	sent       [][]byte
}

func (f *fakeTransport) Dial(ctx context.Context, server store.ServerRef) (string, error) {
	return "s1", nil
}
func (f *fakeTransport) CreateQueue(ctx context.Context, server store.ServerRef) ([]byte, []byte, error) {
	return nil, nil, nil
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
	if f.failAlways != nil {
		return f.failAlways
	}
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return err
	}
	f.sent = append(f.sent, body)
	return nil
}
func (f *fakeTransport) Recv(ctx context.Context) (*relay.InboundEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingNotifier struct {
	results []Result
}

func (n *recordingNotifier) OnResult(res Result) {
	n.results = append(n.results, res)
}

func TestPipelineDeliversAMsgOnSuccess(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"), []byte("pw"))
	require.NoError(t, err)
	defer st.Close()

	server := store.ServerRef{Host: "relay.example", Port: 5223}
	sq := &store.SendQueue{ConnID: "conn1", Server: server, SenderID: []byte("sender1"), CurrentFlag: true}
	require.NoError(t, st.PutSendQueue(sq))

	_, err = st.AppendOutbox(&store.OutboxMessage{ConnID: "conn1", Kind: store.KindAMsg, Body: []byte("hello")})
	require.NoError(t, err)

	ft := &fakeTransport{}
	pool := relay.NewPool(ft, 4)
	notifier := &recordingNotifier{}
	pipeline := New(gate.New(), st, pool, notifier, DefaultNetworkConfig())

	pipeline.Wake(sq, "conn1")

	require.Eventually(t, func() bool {
		return len(notifier.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, OutcomeSent, notifier.results[0].Outcome)

	pending, err := st.ReadPendingOutbox("conn1")
	require.NoError(t, err)
	require.Empty(t, pending)

	pipeline.Halt()
}

func TestPipelineLegacyHelloAuthRetriesThenSurfacesNotAvailable(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"), []byte("pw"))
	require.NoError(t, err)
	defer st.Close()

	server := store.ServerRef{Host: "relay.example", Port: 5223}
	conn := &store.Connection{DuplexHandshake: store.DuplexFalse, IsInitiator: true}
	require.NoError(t, st.PutConnection(conn))
	sq := &store.SendQueue{ConnID: conn.ConnID, Server: server, SenderID: []byte("sender1"), CurrentFlag: true}
	require.NoError(t, st.PutSendQueue(sq))
	_, err = st.AppendOutbox(&store.OutboxMessage{ConnID: conn.ConnID, Kind: store.KindHello, Body: []byte("hello")})
	require.NoError(t, err)

	ft := &fakeTransport{failAlways: &relay.SmpError{Kind: relay.SmpAuth}}
	pool := relay.NewPool(ft, 4)
	notifier := &recordingNotifier{}
	netCfg := DefaultNetworkConfig()
	netCfg.HelloTimeout = 100 * time.Millisecond
	netCfg.BaseDelay = 10 * time.Millisecond
	netCfg.MaxDelay = 10 * time.Millisecond
	pipeline := New(gate.New(), st, pool, notifier, netCfg)

	pipeline.Wake(sq, conn.ConnID)

	require.Eventually(t, func() bool {
		return len(notifier.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, OutcomePermanentSurfaced, notifier.results[0].Outcome)
	require.Equal(t, ErrNotAvailable, notifier.results[0].AppErr)
	require.True(t, notifier.results[0].IsInitiator)

	pipeline.Halt()
}

func TestPipelineDuplexHelloAuthSurfacesImmediately(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"), []byte("pw"))
	require.NoError(t, err)
	defer st.Close()

	server := store.ServerRef{Host: "relay.example", Port: 5223}
	conn := &store.Connection{DuplexHandshake: store.DuplexTrue, IsInitiator: false}
	require.NoError(t, st.PutConnection(conn))
	sq := &store.SendQueue{ConnID: conn.ConnID, Server: server, SenderID: []byte("sender1"), CurrentFlag: true}
	require.NoError(t, st.PutSendQueue(sq))
	_, err = st.AppendOutbox(&store.OutboxMessage{ConnID: conn.ConnID, Kind: store.KindHello, Body: []byte("hello")})
	require.NoError(t, err)

	ft := &fakeTransport{failAlways: &relay.SmpError{Kind: relay.SmpAuth}}
	pool := relay.NewPool(ft, 4)
	notifier := &recordingNotifier{}
	netCfg := DefaultNetworkConfig()
	netCfg.HelloTimeout = time.Minute // long enough that only immediate failure explains a fast result
	pipeline := New(gate.New(), st, pool, notifier, netCfg)

	start := time.Now()
	pipeline.Wake(sq, conn.ConnID)

	require.Eventually(t, func() bool {
		return len(notifier.results) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	require.Equal(t, OutcomePermanentSurfaced, notifier.results[0].Outcome)
	require.Equal(t, ErrNotAccepted, notifier.results[0].AppErr)
	require.False(t, notifier.results[0].IsInitiator)

	pipeline.Halt()
}

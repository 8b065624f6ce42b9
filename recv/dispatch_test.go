package recv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smpagent/core/cryptomediator"
	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

type fakeTransport struct {
	acked []string
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
	f.acked = append(f.acked, string(serverMsgID))
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
func (f *fakeTransport) Recv(ctx context.Context) (*relay.InboundEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeHandler struct {
	confirmations []string
	messages      []DeliveryResult
	lastBody      []byte
	controls      []wire.PayloadKind
	ends          []store.ServerRef
}

func (h *fakeHandler) OnConfirmation(connID, confID string, senderVerifyKey, senderE2EPub []byte, replyQueues []wire.SMPQueueInfo) {
	h.confirmations = append(h.confirmations, confID)
}
func (h *fakeHandler) OnInvitation(connID, invitationID string, connReq, connInfo []byte) {}
func (h *fakeHandler) OnMessage(connID string, internalID int64, result DeliveryResult, body []byte) {
	h.messages = append(h.messages, result)
	h.lastBody = body
}
func (h *fakeHandler) OnControl(connID string, msg *wire.AgentMessage, result DeliveryResult) {
	h.controls = append(h.controls, msg.Kind)
}
func (h *fakeHandler) OnEnd(server store.ServerRef) {
	h.ends = append(h.ends, server)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Gateway, *fakeTransport, *fakeHandler) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"), []byte("pw"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ft := &fakeTransport{}
	pool := relay.NewPool(ft, 4)
	h := &fakeHandler{}
	d := New(st, cryptomediator.New(), pool, gate.New(), h)
	return d, st, ft, h
}

func TestDispatchAMsgOkIntegrity(t *testing.T) {
	d, st, ft, h := newTestDispatcher(t)
	med := cryptomediator.New()

	sendRatchet, kx, err := med.InitSendRatchet()
	require.NoError(t, err)
	recvRatchet, err := med.InitRecvRatchet(kx)
	require.NoError(t, err)

	server := store.ServerRef{Host: "relay.example", Port: 5223}
	recipientID := []byte("recipient-1")

	rq := &store.ReceiveQueue{
		ConnID:      "conn1",
		Server:      server,
		RecipientID: recipientID,
		Status:      store.QueueActive,
		CurrentFlag: true,
	}
	require.NoError(t, st.PutRecvQueue(rq))

	savedBlob, err := recvRatchet.Save()
	require.NoError(t, err)
	require.NoError(t, st.PutRatchet("conn1", savedBlob))

	msg := &wire.AgentMessage{
		PrivHeader: wire.PrivHeader{SndMsgID: 1},
		Kind:       wire.PayloadAMsg,
		Body:       []byte("hello"),
	}
	plain, err := msg.Encode()
	require.NoError(t, err)
	ciphertext, err := med.Encrypt(sendRatchet, cryptomediator.PaddedLenMessage, plain)
	require.NoError(t, err)

	env := &wire.Envelope{Kind: wire.EnvelopeMsg, EncAgentMessage: ciphertext}
	envBytes, err := env.Encode()
	require.NoError(t, err)

	ev := &relay.InboundEvent{
		Server:      server,
		RecipientID: recipientID,
		ServerMsgID: []byte("smsg-1"),
		BrokerMsg:   envBytes,
	}

	d.dispatch(context.Background(), ev)

	require.Len(t, h.messages, 1)
	require.Equal(t, IntegrityOk, h.messages[0].Integrity)
	require.Equal(t, []byte("hello"), h.lastBody)
	require.Contains(t, ft.acked, "smsg-1")

	updated, err := st.GetRecvQueue(rq.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.RecvPrevMsgID)
}

func TestDispatchConfirmationBoxOpen(t *testing.T) {
	d, st, ft, h := newTestDispatcher(t)
	med := cryptomediator.New()

	initiatorPub, initiatorPriv, err := med.X3DHSndSide()
	require.NoError(t, err)

	connInfo := &wire.ConnInfo{SenderVerifyKey: []byte("verify-key"), SenderE2EPub: []byte("e2e-pub")}
	connInfoBytes, err := connInfo.Encode()
	require.NoError(t, err)

	responderPub, sealed, err := med.X3DHRcvSide(initiatorPub, connInfoBytes)
	require.NoError(t, err)

	server := store.ServerRef{Host: "relay.example", Port: 5223}
	recipientID := []byte("recipient-2")

	rq := &store.ReceiveQueue{
		ConnID:       "conn2",
		Server:       server,
		RecipientID:  recipientID,
		Status:       store.QueueNew,
		CurrentFlag:  true,
		E2EDHPrivate: initiatorPriv[:],
	}
	require.NoError(t, st.PutRecvQueue(rq))

	env := &wire.Envelope{
		Kind:          wire.EnvelopeConfirmation,
		E2EEncryption: responderPub[:],
		EncConnInfo:   sealed,
	}
	envBytes, err := env.Encode()
	require.NoError(t, err)

	ev := &relay.InboundEvent{
		Server:      server,
		RecipientID: recipientID,
		ServerMsgID: []byte("smsg-2"),
		BrokerMsg:   envBytes,
	}

	d.dispatch(context.Background(), ev)

	require.Len(t, h.confirmations, 1)
	require.Contains(t, ft.acked, "smsg-2")

	conf, err := st.GetConfirmation(h.confirmations[0])
	require.NoError(t, err)
	require.Equal(t, "conn2", conf.ConnID)
	require.Equal(t, []byte("verify-key"), conf.SenderKey)
}

func TestDispatchEndEventOnlyOnMatchingSession(t *testing.T) {
	d, st, _, h := newTestDispatcher(t)
	server := store.ServerRef{Host: "relay.example", Port: 5223}

	// Bind a session by issuing a queue create through the pool.
	_, _, err := d.relay.CreateRcvQueue(context.Background(), server)
	require.NoError(t, err)
	_ = st

	d.dispatch(context.Background(), &relay.InboundEvent{Server: server, SessionID: "stale-session", End: true})
	require.Empty(t, h.ends)

	d.dispatch(context.Background(), &relay.InboundEvent{Server: server, SessionID: "s1", End: true})
	require.Len(t, h.ends, 1)
}

func TestDispatchZeroLengthEventIsNoop(t *testing.T) {
	d, _, _, h := newTestDispatcher(t)
	server := store.ServerRef{Host: "relay.example", Port: 5223}
	d.dispatch(context.Background(), &relay.InboundEvent{Server: server, RecipientID: []byte("r1"), BrokerMsg: nil})
	require.Empty(t, h.messages)
	require.Empty(t, h.controls)
}

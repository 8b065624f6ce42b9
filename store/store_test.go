package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "agent.db"), []byte("test passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestConnectionRoundTrip(t *testing.T) {
	g := openTestGateway(t)

	conn := &Connection{Variant: ConnRcv, ConnAgentVersion: 1}
	require.NoError(t, g.PutConnection(conn))
	require.NotEmpty(t, conn.ConnID)

	loaded, err := g.GetConnection(conn.ConnID)
	require.NoError(t, err)
	require.Equal(t, conn.ConnAgentVersion, loaded.ConnAgentVersion)

	require.NoError(t, g.DeleteConnection(conn.ConnID))
	_, err = g.GetConnection(conn.ConnID)
	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, NotFound, serr.Kind)
}

func TestRecvQueueStatusMonotone(t *testing.T) {
	g := openTestGateway(t)

	rq := &ReceiveQueue{ConnID: "c1", Status: QueueNew}
	require.NoError(t, g.PutRecvQueue(rq))

	require.NoError(t, g.SetRecvQueueStatus(rq.ID, QueueConfirmed))
	require.NoError(t, g.SetRecvQueueStatus(rq.ID, QueueSecured))
	require.NoError(t, g.SetRecvQueueStatus(rq.ID, QueueActive))

	err := g.SetRecvQueueStatus(rq.ID, QueueConfirmed)
	require.Error(t, err)
}

func TestOnlyOneCurrentRqPerConnection(t *testing.T) {
	g := openTestGateway(t)

	a := &ReceiveQueue{ConnID: "conn1", CurrentFlag: true}
	require.NoError(t, g.PutRecvQueue(a))

	b := &ReceiveQueue{ConnID: "conn1", CurrentFlag: true}
	require.NoError(t, g.PutRecvQueue(b))

	reloadedA, err := g.GetRecvQueue(a.ID)
	require.NoError(t, err)
	require.False(t, reloadedA.CurrentFlag)

	reloadedB, err := g.GetRecvQueue(b.ID)
	require.NoError(t, err)
	require.True(t, reloadedB.CurrentFlag)
}

func TestOutboxInternalIDsIncreaseAndHashChain(t *testing.T) {
	g := openTestGateway(t)

	id1, err := g.AppendOutbox(&OutboxMessage{ConnID: "c1", Kind: KindAMsg, Body: []byte("first")})
	require.NoError(t, err)
	require.EqualValues(t, 1, id1)

	id2, err := g.AppendOutbox(&OutboxMessage{ConnID: "c1", Kind: KindAMsg, Body: []byte("second")})
	require.NoError(t, err)
	require.EqualValues(t, 2, id2)

	pending, err := g.ReadPendingOutbox("c1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, pending[0].Hash, pending[1].PrevHash)

	require.NoError(t, g.DeleteOutbox("c1", id1))
	pending, err = g.ReadPendingOutbox("c1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRatchetPersistence(t *testing.T) {
	g := openTestGateway(t)

	blob := []byte("opaque ratchet state")
	require.NoError(t, g.PutRatchet("conn1", blob))

	loaded, err := g.GetRatchet("conn1")
	require.NoError(t, err)
	require.Equal(t, blob, loaded)

	require.NoError(t, g.DeleteRatchet("conn1"))
	_, err = g.GetRatchet("conn1")
	require.Error(t, err)
}

func TestSwitchCurrRcvQueue(t *testing.T) {
	g := openTestGateway(t)

	conn := &Connection{Variant: ConnDuplex}
	require.NoError(t, g.PutConnection(conn))

	curr := &ReceiveQueue{ConnID: conn.ConnID, CurrentFlag: true}
	require.NoError(t, g.PutRecvQueue(curr))
	next := &ReceiveQueue{ConnID: conn.ConnID}
	require.NoError(t, g.PutRecvQueue(next))

	conn.CurrRqID = curr.ID
	conn.NextRqID = next.ID
	require.NoError(t, g.PutConnection(conn))

	newCurrID, err := g.SwitchCurrRcvQueue(conn.ConnID)
	require.NoError(t, err)
	require.Equal(t, next.ID, newCurrID)

	reloadedConn, err := g.GetConnection(conn.ConnID)
	require.NoError(t, err)
	require.Equal(t, next.ID, reloadedConn.CurrRqID)
	require.Empty(t, reloadedConn.NextRqID)

	reloadedOld, err := g.GetRecvQueue(curr.ID)
	require.NoError(t, err)
	require.False(t, reloadedOld.CurrentFlag)

	reloadedNew, err := g.GetRecvQueue(next.ID)
	require.NoError(t, err)
	require.True(t, reloadedNew.CurrentFlag)
}

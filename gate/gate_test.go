package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginEndOperation(t *testing.T) {
	g := New()
	require.NoError(t, g.BeginOperation(SndNetwork))
	g.EndOperation(SndNetwork)
}

func TestSuspendRejectsNewSends(t *testing.T) {
	g := New()
	g.SuspendAgent(context.Background(), 50*time.Millisecond)
	require.Equal(t, Suspended, g.State())
	require.ErrorIs(t, g.BeginOperation(SndNetwork), ErrSuspended)
}

func TestSuspendWaitsForInFlightThenForces(t *testing.T) {
	g := New()
	require.NoError(t, g.BeginOperation(MsgDelivery))

	done := make(chan struct{})
	go func() {
		g.SuspendAgent(context.Background(), 200*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	g.EndOperation(MsgDelivery)
	<-done
	require.Equal(t, Suspended, g.State())
}

func TestActivateRestoresAllClasses(t *testing.T) {
	g := New()
	g.SuspendAgent(context.Background(), 10*time.Millisecond)
	g.ActivateAgent()
	require.Equal(t, Active, g.State())
	require.NoError(t, g.BeginOperation(RcvNetwork))
	require.NoError(t, g.BeginOperation(SndNetwork))
	require.NoError(t, g.BeginOperation(MsgDelivery))
	require.NoError(t, g.BeginOperation(NtfNetwork))
}

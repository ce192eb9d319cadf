package inmemorychannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/comm"
)

func recvOne(t *testing.T, e *Endpoint) []byte {
	t.Helper()
	select {
	case msg, ok := <-e.Recv():
		require.True(t, ok, "recv channel closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("one")))
	require.NoError(t, a.Send(ctx, []byte("two")))

	assert.Equal(t, "one", string(recvOne(t, b)))
	assert.Equal(t, "two", string(recvOne(t, b)))
}

func TestPipeIsDuplex(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("ping")))
	require.NoError(t, b.Send(ctx, []byte("pong")))

	assert.Equal(t, "ping", string(recvOne(t, b)))
	assert.Equal(t, "pong", string(recvOne(t, a)))
}

func TestSendDetachesFromCallerBuffer(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	defer a.Close()

	buf := []byte("original")
	require.NoError(t, a.Send(context.Background(), buf))
	copy(buf, "mutated!")

	assert.Equal(t, "original", string(recvOne(t, b)))
}

func TestCloseEitherEndClosesBothDirections(t *testing.T) {
	t.Parallel()
	a, b := Pipe()

	require.NoError(t, b.Close())

	err := a.Send(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, comm.ErrClosed)
	err = b.Send(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, comm.ErrClosed)

	for _, e := range []*Endpoint{a, b} {
		select {
		case _, ok := <-e.Recv():
			assert.False(t, ok, "recv channel should be closed")
		case <-time.After(2 * time.Second):
			t.Fatal("recv channel never closed")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	a, _ := Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestSendHonoursContextWhenFull(t *testing.T) {
	t.Parallel()
	a, _ := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Nobody drains b, so the direction buffer eventually fills. The
	// forwarder moves one payload into b's recv buffer as we go, so fill
	// past both buffers to guarantee blocking.
	var err error
	for i := 0; i < 2*bufferSize+2; i++ {
		if err = a.Send(ctx, []byte("x")); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecvDrainsThenCloses(t *testing.T) {
	t.Parallel()
	a, b := Pipe()

	require.NoError(t, a.Send(context.Background(), []byte("kept")))
	assert.Equal(t, "kept", string(recvOne(t, b)))

	require.NoError(t, a.Close())
	select {
	case _, ok := <-b.Recv():
		assert.False(t, ok, "recv channel should be closed after drain")
	case <-time.After(2 * time.Second):
		t.Fatal("recv channel never closed")
	}
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

func TestPipeExchangesFrames(t *testing.T) {
	a, b := Pipe(Options{})
	defer a.Close()

	frame := []byte("hello")
	require.NoError(t, a.Send(frame))
	frame[0] = 'j'

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got, "send copies the frame")

	require.NoError(t, b.Send([]byte("back")))
	got, err = a.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "memory:"+b.ID(), a.RemoteAddr())
}

func TestPipeOversizedFrameKeepsConnection(t *testing.T) {
	a, b := Pipe(Options{MaxFrameSize: 4})

	err := a.Send([]byte("too long"))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, protocol.ErrorCodeFrameTooLarge, protocol.GetErrorCode(err))

	require.NoError(t, a.Send([]byte("ok")))
	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestPipeCloseDrainsThenFails(t *testing.T) {
	a, b := Pipe(Options{})
	require.NoError(t, a.Send([]byte("last")))
	require.NoError(t, a.Close())

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), got)

	_, err = b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send([]byte("x")), ErrClosed)
	assert.NoError(t, b.Close())
}

func TestMemoryListener(t *testing.T) {
	l := NewMemoryListener("mem", Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := l.Dial(ctx, "ignored")
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, client.Send([]byte("hi")))
	got, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)

	require.NoError(t, l.Close())
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, ErrListenerDone)
	_, err = l.Dial(ctx, "")
	assert.ErrorIs(t, err, ErrListenerDone)
}

func TestOptionsNormalize(t *testing.T) {
	assert.Equal(t, DefaultOptions(), Options{}.Normalize())
	o := Options{MaxFrameSize: 10}.Normalize()
	assert.Equal(t, 10, o.MaxFrameSize)
	assert.Equal(t, DefaultWriteTimeout, o.WriteTimeout)
}

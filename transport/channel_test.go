package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilewire/codec"
	"tilewire/message"
)

func TestLocalPairOrderAndClose(t *testing.T) {
	a, b := LocalPair(4)

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, a.Send(message.NewEvent(i, "tick", nil, nil)))
	}
	for i := uint32(0); i < 3; i++ {
		msg, err := b.Recv()
		require.NoError(t, err)
		assert.Equal(t, i, msg.ID)
	}

	// Messages sent before close are still delivered
	require.NoError(t, b.Send(message.NewResponse(9, nil, nil)))
	require.NoError(t, b.Close())

	msg, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), msg.ID)

	_, err = a.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, a.Send(message.NewResponse(1, nil, nil)), ErrChannelClosed)
	require.NoError(t, a.Close())
}

func TestLocalPairTransfersOwnership(t *testing.T) {
	a, b := LocalPair(1)
	buf := []byte{1, 2, 3}
	require.NoError(t, a.Send(message.NewResponse(1, []message.Value{{Binary: true, Data: buf}}, nil)))

	msg, err := b.Recv()
	require.NoError(t, err)
	// Same backing array: nothing was copied
	assert.Same(t, &buf[0], &msg.Results[0].Data[0])
}

func TestPipeRoundTrip(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			a, b := Pipe(ct)
			defer a.Close()
			defer b.Close()

			sent := message.NewProxy(4, message.ToCaller, message.NewEvent(0, "__fn0",
				[]message.Value{{Data: []byte(`[1,2]`)}}, nil))

			go func() {
				assert.NoError(t, a.Send(sent))
			}()

			got, err := b.Recv()
			require.NoError(t, err)
			assert.Equal(t, sent, got)
		})
	}
}

func TestConnChannelConcurrentSendsOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := NewConnChannel(conn, codec.CodecTypeBinary, 5*time.Millisecond)
	defer client.Close()

	server := NewConnChannel(<-accepted, codec.CodecTypeBinary, 0)
	defer server.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			payload := make([]byte, 4096)
			for j := range payload {
				payload[j] = byte(id)
			}
			assert.NoError(t, client.Send(message.NewEvent(id, "load", []message.Value{{Binary: true, Data: payload}}, nil)))
		}(uint32(i))
	}

	seen := map[uint32]bool{}
	for len(seen) < n {
		msg, err := server.Recv()
		require.NoError(t, err)
		require.Len(t, msg.Args, 1)
		// Frames never interleave: every payload byte matches its message id
		for _, b := range msg.Args[0].Data {
			require.Equal(t, byte(msg.ID), b)
		}
		seen[msg.ID] = true
	}
	wg.Wait()

	require.NoError(t, client.Close())
	_, err = server.Recv()
	assert.Error(t, err)
	assert.ErrorIs(t, client.Send(message.NewResponse(1, nil, nil)), ErrChannelClosed)
}

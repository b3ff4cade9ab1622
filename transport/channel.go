// Package transport provides the duplex channels an rpc.Engine runs on.
//
// A Channel connects exactly two contexts and delivers messages in send order. Two
// implementations exist:
//
//   - ConnChannel frames messages over a byte stream (TCP, net.Pipe). Everything is
//     copied through the codec, so the two sides never share memory.
//   - LocalPair hands *message.Message values between goroutines by ownership transfer:
//     after Send the sender must not touch the message or any buffer it references.
package transport

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"tilewire/message"
)

// ErrChannelClosed is returned by Send after either side closed the channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a raw duplex message channel between two contexts.
//
// Send may be called from many goroutines. Recv must be driven by a single reader and
// returns io.EOF (or the underlying read error) once the channel is gone.
type Channel interface {
	Send(msg *message.Message) error
	Recv() (*message.Message, error)
	Close() error
}

// localChannel is one end of an in-process pair.
type localChannel struct {
	in   <-chan *message.Message
	out  chan<- *message.Message
	done chan struct{} // Shared by both ends, closed once
	once *sync.Once
}

// LocalPair returns two connected in-process channel ends. Closing either end closes both.
// buffer is the number of messages each direction may hold before Send blocks.
func LocalPair(buffer int) (Channel, Channel) {
	ab := make(chan *message.Message, buffer)
	ba := make(chan *message.Message, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &localChannel{in: ba, out: ab, done: done, once: once}
	b := &localChannel{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (c *localChannel) Send(msg *message.Message) error {
	// Check first so a closed channel never accepts a message even if the buffer has room
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

func (c *localChannel) Recv() (*message.Message, error) {
	// Drain what the peer already sent before reporting the close
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *localChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

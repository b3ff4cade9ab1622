package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tilewire/codec"
	"tilewire/message"
	"tilewire/protocol"
)

// ConnChannel frames messages over a single byte-stream connection.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single conn ──→ worker
//	goroutine-3 ──Send(id=3)──┘
//
// Matching responses to callers is the engine's job; the channel only guarantees that
// whole frames go out atomically and come back in order.
type ConnChannel struct {
	conn    net.Conn
	codec   codec.Codec
	sending sync.Mutex // Write lock: concurrent senders must not interleave frame bytes
	closed  chan struct{}
	once    sync.Once
}

// NewConnChannel wraps conn. A positive heartbeat starts a goroutine that writes an empty
// heartbeat frame at that interval so idle TCP workers are not reaped by middleboxes.
func NewConnChannel(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ConnChannel {
	c := &ConnChannel{
		conn:   conn,
		codec:  codec.GetCodec(codecType),
		closed: make(chan struct{}),
	}
	if heartbeat > 0 {
		go c.heartbeatLoop(heartbeat)
	}
	return c
}

// Pipe returns two ConnChannels joined by net.Pipe.
func Pipe(codecType codec.CodecType) (*ConnChannel, *ConnChannel) {
	a, b := net.Pipe()
	return NewConnChannel(a, codecType, 0), NewConnChannel(b, codecType, 0)
}

// Send encodes msg and writes one frame. The sending mutex ensures the header and body
// of a frame are written back to back.
func (c *ConnChannel) Send(msg *message.Message) error {
	body, err := c.codec.Encode(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s %d", msg.Kind, msg.ID)
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		FrameType: protocol.FrameType(msg.Kind),
		ID:        msg.ID,
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return protocol.Encode(c.conn, &header, body)
}

// Recv reads the next message, skipping heartbeats. Reads must be sequential to parse
// frame boundaries, so only one goroutine may call Recv.
func (c *ConnChannel) Recv() (*message.Message, error) {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			return nil, err
		}
		if header.FrameType == protocol.FrameHeartbeat {
			continue
		}

		msg := &message.Message{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, msg); err != nil {
			return nil, errors.Wrapf(err, "decode frame %d", header.ID)
		}
		if err := msg.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid message")
		}
		return msg, nil
	}
}

// Close closes the underlying connection; a blocked Recv returns with an error.
func (c *ConnChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Conn returns the underlying connection.
func (c *ConnChannel) Conn() net.Conn {
	return c.conn
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// Heartbeat frames carry no body, so they're very lightweight.
func (c *ConnChannel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(c.codec.Type()),
			FrameType: protocol.FrameHeartbeat,
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		err := protocol.Encode(c.conn, header, nil)
		c.sending.Unlock()
		if err != nil {
			logrus.WithError(err).WithField("peer", c.conn.RemoteAddr()).Debug("Heartbeat failed, stopping")
			return
		}
	}
}

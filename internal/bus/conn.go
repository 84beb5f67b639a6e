package bus

import (
	"errors"

	"github.com/mowaka/brokerd/internal/wire"
)

// ErrQuota is returned by a connection whose send queue is full. The caller
// decides whether that disconnects the receiver (fan-out) or bounces back to
// the sender (unicast).
var ErrQuota = errors.New("send quota exceeded")

// Conn is the transport handle of a peer. Queue appends to the peer's
// outgoing queue without blocking; Shutdown schedules transport teardown.
// The daemon owns the concrete implementation.
type Conn interface {
	Queue(msg *wire.Message) error
	Shutdown()
}

// QueueConn is an in-memory Conn with a bounded queue. Tests read Sent
// directly; the daemon has its own socket-backed implementation.
type QueueConn struct {
	Sent  []*wire.Message
	Limit int // zero means unlimited
	Down  bool
}

// NewQueueConn returns a QueueConn holding at most limit messages.
func NewQueueConn(limit int) *QueueConn {
	return &QueueConn{Limit: limit}
}

func (c *QueueConn) Queue(msg *wire.Message) error {
	if c.Down {
		return nil
	}
	if c.Limit > 0 && len(c.Sent) >= c.Limit {
		return ErrQuota
	}
	c.Sent = append(c.Sent, msg)
	return nil
}

// Drain returns and clears the queued messages.
func (c *QueueConn) Drain() []*wire.Message {
	out := c.Sent
	c.Sent = nil
	return out
}

func (c *QueueConn) Shutdown() { c.Down = true }

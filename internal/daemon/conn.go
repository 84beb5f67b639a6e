package daemon

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/wire"
)

// peerConn is the transport handle behind a bus.Peer: a bounded outgoing
// queue drained by a writer goroutine. Queue runs under the daemon's bus
// lock; the writer copies the batch out before touching the socket.
type peerConn struct {
	daemon *Daemon
	sock   net.Conn
	rw     *bufio.ReadWriter

	limit int

	mu sync.Mutex
	// queue holds transport-ready frames: the wire-model to godbus
	// conversion happens under the bus lock in Queue, so concurrent
	// writers only ever read the shared message.
	queue  []*dbus.Message
	kick   chan struct{}
	closed bool
}

func newPeerConn(d *Daemon, sock net.Conn, limit int) *peerConn {
	return &peerConn{
		daemon: d,
		sock:   sock,
		rw:     bufio.NewReadWriter(bufio.NewReader(sock), bufio.NewWriter(sock)),
		limit:  limit,
		kick:   make(chan struct{}, 1),
	}
}

// Queue appends to the outgoing queue without blocking.
func (c *peerConn) Queue(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.limit > 0 && len(c.queue) >= c.limit {
		return bus.ErrQuota
	}
	c.queue = append(c.queue, msg.ToDBus())
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown closes the socket; the reader goroutine notices and runs the
// peer's teardown.
func (c *peerConn) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.sock.Close()
}

// readMessage decodes the next inbound message.
func (c *peerConn) readMessage() (*wire.Message, error) {
	msg, err := dbus.DecodeMessage(c.rw)
	if err != nil {
		return nil, err
	}
	return wire.FromDBus(msg), nil
}

// writeLoop drains the queue onto the socket until done closes.
func (c *peerConn) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.kick:
		}

		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			closed := c.closed
			c.mu.Unlock()

			if closed || len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				if err := msg.EncodeTo(c.rw, binary.LittleEndian); err != nil {
					c.Shutdown()
					return
				}
			}
			if err := c.rw.Flush(); err != nil {
				c.Shutdown()
				return
			}
		}
	}
}

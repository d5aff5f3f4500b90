package transport

import (
	"net"
	"sync"
	"sync/atomic"
)

// MeteredConn counts bytes moved through a connection.
type MeteredConn struct {
	net.Conn
	rx        atomic.Int64
	tx        atomic.Int64
	unsent    atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func NewMeteredConn(conn net.Conn) *MeteredConn {
	return &MeteredConn{Conn: conn}
}

func (c *MeteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rx.Add(int64(n))
	}
	return n, err
}

func (c *MeteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.tx.Add(int64(n))
		c.unsent.Add(int64(n))
	}
	return n, err
}

// Close is safe to call more than once.
func (c *MeteredConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func (c *MeteredConn) Received() int64 { return c.rx.Load() }

func (c *MeteredConn) Sent() int64 { return c.tx.Load() }

// TakeSent returns the bytes written since the previous call.
func (c *MeteredConn) TakeSent() int64 {
	return c.unsent.Swap(0)
}

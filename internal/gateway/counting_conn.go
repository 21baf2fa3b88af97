package gateway

import (
	"net"
	"sync/atomic"
)

// trafficFlushThreshold is the byte count at which a countingConn reports a
// traffic delta mid-stream, so long streamed answers show up before close.
const trafficFlushThreshold int64 = 32768 // 32 KB

// countingConn wraps a net.Conn, counting bytes read and written. Deltas
// are flushed every trafficFlushThreshold bytes and on Close.
type countingConn struct {
	net.Conn
	obs      Observer
	protocol string

	pendingRead  atomic.Int64
	pendingWrite atomic.Int64
	closed       atomic.Bool
}

func newCountingConn(conn net.Conn, obs Observer, protocol string) net.Conn {
	if obs == nil {
		return conn
	}
	obs.ConnectionOpened(protocol)
	return &countingConn{Conn: conn, obs: obs, protocol: protocol}
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		if c.pendingRead.Add(int64(n)) >= trafficFlushThreshold {
			if flushed := c.pendingRead.Swap(0); flushed > 0 {
				c.obs.TrafficDelta(c.protocol, flushed, 0)
			}
		}
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		if c.pendingWrite.Add(int64(n)) >= trafficFlushThreshold {
			if flushed := c.pendingWrite.Swap(0); flushed > 0 {
				c.obs.TrafficDelta(c.protocol, 0, flushed)
			}
		}
	}
	return n, err
}

func (c *countingConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	pendR := c.pendingRead.Swap(0)
	pendW := c.pendingWrite.Swap(0)
	if pendR > 0 || pendW > 0 {
		c.obs.TrafficDelta(c.protocol, pendR, pendW)
	}
	c.obs.ConnectionClosed(c.protocol)
	return c.Conn.Close()
}

package channel

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"

	"peerlink/native/internal/loop"
)

const readChunk = 32 * 1024

type dialFunc func(ctx context.Context, addr netip.AddrPort, serverName string) (net.Conn, error)

// conn adapts a blocking net.Conn to the Channel contract. Dialing, reading
// and writing each happen on private goroutines; results are posted to exec.
type conn struct {
	exec loop.Executor
	dial dialFunc

	mu          sync.Mutex
	handler     Handler
	c           net.Conn
	started     bool
	closed      bool
	cancel      context.CancelFunc
	rbuf        []byte
	rerr        error
	readPending bool
	wbuf        [][]byte
	wake        chan struct{}
}

func newConn(exec loop.Executor, dial dialFunc) *conn {
	return &conn{
		exec: exec,
		dial: dial,
		wake: make(chan struct{}, 1),
	}
}

func (c *conn) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *conn) Connect(addr netip.AddrPort, serverName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return ErrInUse
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		nc, err := c.dial(ctx, addr, serverName)
		if err != nil {
			c.emit(func(h Handler) { h.OnClose(err) })
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			nc.Close()
			return
		}
		c.c = nc
		c.mu.Unlock()

		go c.readLoop(nc)
		go c.writeLoop(nc)
		c.emit(func(h Handler) { h.OnConnect() })
	}()
	return nil
}

func (c *conn) Send(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.c == nil {
		return 0, ErrNotConnected
	}
	c.wbuf = append(c.wbuf, append([]byte(nil), b...))

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (c *conn) Recv(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rbuf) > 0 {
		n := copy(b, c.rbuf)
		c.rbuf = c.rbuf[n:]
		return n, nil
	}
	if c.rerr != nil {
		return 0, io.EOF
	}
	if c.closed {
		return 0, ErrNotConnected
	}
	return 0, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}

// emit posts an event unless the channel was closed locally.
func (c *conn) emit(fire func(h Handler)) {
	c.exec.Post(func() {
		c.mu.Lock()
		h, closed := c.handler, c.closed
		c.mu.Unlock()
		if h == nil || closed {
			return
		}
		fire(h)
	})
}

func (c *conn) readLoop(nc net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.rbuf = append(c.rbuf, buf[:n]...)
			notify := !c.readPending
			c.readPending = true
			c.mu.Unlock()

			if notify {
				c.emit(func(h Handler) {
					c.mu.Lock()
					c.readPending = false
					c.mu.Unlock()
					h.OnRead()
				})
			}
		}
		if err != nil {
			c.mu.Lock()
			c.rerr = err
			c.mu.Unlock()

			if err == io.EOF {
				err = nil
			}
			c.emit(func(h Handler) { h.OnClose(err) })
			return
		}
	}
}

func (c *conn) writeLoop(nc net.Conn) {
	for range c.wake {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		pending := c.wbuf
		c.wbuf = nil
		c.mu.Unlock()

		for _, b := range pending {
			if _, err := nc.Write(b); err != nil {
				// the read side observes the failure and reports OnClose
				nc.Close()
				return
			}
		}
	}
}

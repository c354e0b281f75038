// Package transport wraps one socket for readiness-driven, non-blocking I/O.
//
// A Channel never parks the calling goroutine in a read or write: TryRead and
// TryWrite go straight to read(2)/write(2) on the socket (which the Go runtime
// already keeps in non-blocking mode) and report ErrWouldBlock when the kernel
// has nothing to give or no room to take. Readiness is awaited separately via
// WaitReadable/WaitWritable, which park on the runtime netpoller.
//
//	event loop ──TryRead/Flush──→ Channel ──read(2)/write(2)──→ socket
//	watcher    ──WaitReadable───→ Channel ──netpoller────────→ socket
//
// Buffers and the partial-write cursor belong to the goroutine running the event
// loop. Watchers only wait; they never touch bytes.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means no progress is possible until the next readiness notification.
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrPeerClosed means the remote end closed or reset the connection.
	ErrPeerClosed = errors.New("transport: channel closed by peer")
	// ErrClosed means the channel was closed locally.
	ErrClosed = errors.New("transport: channel closed")
)

// Options tune the socket when a Channel is created.
type Options struct {
	// NoDelay disables Nagle coalescing; frames are small and latency matters.
	NoDelay         bool
	ReadBufferSize  int // SO_RCVBUF; 0 keeps the OS default
	WriteBufferSize int // SO_SNDBUF; 0 keeps the OS default
}

type Channel struct {
	conn net.Conn
	raw  syscall.RawConn

	pending      [][]byte // buffers not yet fully written, oldest first
	head         int      // bytes of pending[0] already written
	pendingBytes int
	closed       bool
}

// NewChannel takes ownership of conn, which must expose its file descriptor
// (*net.TCPConn and *net.UnixConn do).
func NewChannel(conn net.Conn, opts Options) (*Channel, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("transport: %T does not expose a file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("transport: raw conn: %w", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(opts.NoDelay); err != nil {
			return nil, fmt.Errorf("transport: set nodelay: %w", err)
		}
		if opts.ReadBufferSize > 0 {
			if err := tcp.SetReadBuffer(opts.ReadBufferSize); err != nil {
				return nil, fmt.Errorf("transport: set read buffer: %w", err)
			}
		}
		if opts.WriteBufferSize > 0 {
			if err := tcp.SetWriteBuffer(opts.WriteBufferSize); err != nil {
				return nil, fmt.Errorf("transport: set write buffer: %w", err)
			}
		}
	}

	return &Channel{conn: conn, raw: raw}, nil
}

// TryRead reads whatever is available into p without waiting.
// It returns ErrWouldBlock when nothing is available and ErrPeerClosed on EOF
// or reset.
func (c *Channel) TryRead(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, opErr = retryEINTR(func() (int, error) { return unix.Read(int(fd), p) })
		return true
	})
	if err != nil {
		return 0, rawErr("read", err)
	}
	if opErr != nil {
		return 0, sysErr("read", opErr)
	}
	if n == 0 {
		return 0, ErrPeerClosed
	}
	return n, nil
}

// TryWrite writes as much of p as the kernel accepts right now.
func (c *Channel) TryWrite(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		n, opErr = retryEINTR(func() (int, error) { return unix.Write(int(fd), p) })
		return true
	})
	if err != nil {
		return 0, rawErr("write", err)
	}
	if opErr != nil {
		return 0, sysErr("write", opErr)
	}
	if n <= 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Enqueue appends buf to the pending writes. The Channel owns buf from now on.
func (c *Channel) Enqueue(buf []byte) {
	if len(buf) == 0 {
		return
	}
	c.pending = append(c.pending, buf)
	c.pendingBytes += len(buf)
}

// Flush writes pending buffers in order until they are exhausted or the socket
// would block. A partially written buffer resumes at the exact byte on the next
// call. Would-block is not an error: check PendingBytes.
func (c *Channel) Flush() (int, error) {
	written := 0
	for len(c.pending) > 0 {
		n, err := c.TryWrite(c.pending[0][c.head:])
		written += n
		c.head += n
		c.pendingBytes -= n
		if c.head == len(c.pending[0]) {
			c.pending[0] = nil
			c.pending = c.pending[1:]
			c.head = 0
		}
		if errors.Is(err, ErrWouldBlock) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
	c.pending = nil
	return written, nil
}

// PendingBytes is the number of enqueued bytes not yet handed to the kernel.
func (c *Channel) PendingBytes() int {
	return c.pendingBytes
}

// WaitReadable parks until the socket is readable, has hit EOF or an error, or
// the channel is closed. It may return spuriously; TryRead then reports
// ErrWouldBlock.
func (c *Channel) WaitReadable() error {
	if err := c.raw.Read(func(fd uintptr) bool { return pollReady(fd, unix.POLLIN) }); err != nil {
		return rawErr("wait readable", err)
	}
	return nil
}

// WaitWritable parks until the socket can accept more bytes.
func (c *Channel) WaitWritable() error {
	if err := c.raw.Write(func(fd uintptr) bool { return pollReady(fd, unix.POLLOUT) }); err != nil {
		return rawErr("wait writable", err)
	}
	return nil
}

// Close releases the socket and drops unsent bytes. It wakes any goroutine
// parked in WaitReadable/WaitWritable.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	c.head = 0
	c.pendingBytes = 0
	return c.conn.Close()
}

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// pollReady asks the kernel, without waiting, whether fd has any of events
// pending. Errors and hang-ups count as ready so the caller gets to see them.
func pollReady(fd uintptr, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		return err != nil || n > 0
	}
}

func retryEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

func sysErr(op string, errno error) error {
	switch errno {
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.ECONNRESET, unix.EPIPE:
		return fmt.Errorf("%w: %v", ErrPeerClosed, errno)
	}
	return os.NewSyscallError(op, errno)
}

func rawErr(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

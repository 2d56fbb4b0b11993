package walproto

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Codec is the downstream wire codec: it speaks the backend half of the
// PostgreSQL v3 protocol to a connecting standby. Startup negotiation is
// handled separately via ReadStartupPacket before a Codec is constructed,
// mirroring the original proxy's split between raw startup-packet handling
// and the typed message loop that follows authentication.
type Codec struct {
	conn    net.Conn
	reader  *bufio.Reader
	backend *pgproto3.Backend
}

// New wraps conn for the typed-message phase of the protocol (everything
// after the startup packet has been consumed).
func New(conn net.Conn) *Codec {
	r := bufio.NewReader(conn)
	return &Codec{
		conn:    conn,
		reader:  r,
		backend: pgproto3.NewBackend(r, conn),
	}
}

// Send writes one backend-to-frontend message and flushes it to conn.
func (c *Codec) Send(msg pgproto3.BackendMessage) error {
	c.backend.Send(msg)
	if err := c.backend.Flush(); err != nil {
		return fmt.Errorf("walproto: send %T: %w", msg, err)
	}
	return nil
}

// Receive reads and decodes the next frontend-to-backend message.
func (c *Codec) Receive() (pgproto3.FrontendMessage, error) {
	msg, err := c.backend.Receive()
	if err != nil {
		return nil, fmt.Errorf("walproto: receive: %w", err)
	}
	return msg, nil
}

// PeekByte reports whether at least one byte is available to read without
// blocking, returning it without consuming it. It is used to interleave
// standby-reply processing with the CopyBoth streaming loop: the session
// polls this between WAL sends instead of dedicating a goroutine to reads.
func (c *Codec) PeekByte() (b byte, ok bool, err error) {
	if c.reader.Buffered() > 0 {
		peeked, err := c.reader.Peek(1)
		if err != nil {
			return 0, false, err
		}
		return peeked[0], true, nil
	}

	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, false, fmt.Errorf("walproto: set read deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	peeked, err := c.reader.Peek(1)
	if err != nil {
		if isTimeout(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return peeked[0], true, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Flush has no effect beyond what the underlying net.Conn already provides;
// Send flushes pgproto3.Backend's buffer after every message, so messages
// are written to conn as soon as Send returns. It exists to make flush points explicit at call sites,
// matching the wire codec's documented "end message, flush" step.
func (c *Codec) Flush() error { return nil }

package wsocket

import (
	"log/slog"
	"net"
	"unicode/utf8"

	"github.com/nyxwire/wsocket/internal/wsbuf"
	"github.com/nyxwire/wsocket/internal/wsframe"
)

// emptyPongFrame is the precomputed reply to a zero-payload ping, avoiding
// an allocation for the overwhelmingly common keepalive case.
var emptyPongFrame = wsframe.EncodeHeader(wsframe.Pong, true, 0)

// Conn wraps one accepted, handshake-completed stream. It owns the read
// loop and exposes the write surface; callers (the Handler) write from
// inside Handle or from another goroutine they manage themselves (writes
// are not internally synchronized beyond what net.Conn already guarantees
// for a single Write call).
type Conn struct {
	nc       net.Conn
	provider *wsbuf.Provider
	reader   *Reader
	logger   *slog.Logger
	id       string

	handlePing  bool
	handlePong  bool
	handleClose bool

	handler Handler
	closed  bool
}

func newConn(nc net.Conn, provider *wsbuf.Provider, cfg Config, logger *slog.Logger, id string) *Conn {
	return &Conn{
		nc:          nc,
		provider:    provider,
		reader:      NewReader(provider, cfg.BufferSize, cfg.MaxSize),
		logger:      logger,
		id:          id,
		handlePing:  cfg.HandlePing,
		handlePong:  cfg.HandlePong,
		handleClose: cfg.HandleClose,
	}
}

// ID returns the connection's log-correlation identifier (never sent on
// the wire).
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the underlying stream's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close requests that the read loop stop after the handler currently
// dispatching returns. It does not itself close the socket; the
// orchestrator closes it when the loop exits.
func (c *Conn) Close() { c.closed = true }

// WriteFrame emits a single, unfragmented, unmasked server frame.
func (c *Conn) WriteFrame(opcode wsframe.Opcode, payload []byte) error {
	header := wsframe.EncodeHeader(opcode, true, len(payload))
	if len(payload) == 0 {
		_, err := c.nc.Write(header)
		return err
	}
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)
	_, err := c.nc.Write(frame)
	return err
}

// WriteFramed writes already-framed bytes as-is, for callers that built a
// frame themselves.
func (c *Conn) WriteFramed(raw []byte) error {
	_, err := c.nc.Write(raw)
	return err
}

func (c *Conn) WriteText(payload []byte) error   { return c.WriteFrame(wsframe.Text, payload) }
func (c *Conn) WriteBinary(payload []byte) error { return c.WriteFrame(wsframe.Binary, payload) }
func (c *Conn) WritePing(payload []byte) error   { return c.WriteFrame(wsframe.Ping, payload) }
func (c *Conn) WritePong(payload []byte) error   { return c.WriteFrame(wsframe.Pong, payload) }

// WriteClose sends a normal (1000) close frame with no reason.
func (c *Conn) WriteClose() error {
	return c.WriteCloseWithCode(CloseNormalClosure)
}

// WriteCloseWithCode sends a close frame carrying a 2-byte big-endian
// close code and no reason text.
func (c *Conn) WriteCloseWithCode(code uint16) error {
	payload := []byte{byte(code >> 8), byte(code)}
	return c.WriteFrame(wsframe.Close, payload)
}

// writeEmptyPong sends the precomputed zero-payload pong frame.
func (c *Conn) writeEmptyPong() error {
	return c.WriteFramed(emptyPongFrame)
}

// WriteBuffer returns a growing write buffer for opcode, starting at 512
// bytes and growing by a saturating formula (new = new + new/2 + 8) until
// the requested capacity fits. Flush emits exactly one frame with the
// accumulated bytes.
func (c *Conn) WriteBuffer(opcode wsframe.Opcode) *WriteBuffer {
	buf, err := c.provider.AllocPooledOr(512)
	return &WriteBuffer{conn: c, buf: buf, opcode: opcode, allocErr: err}
}

// WriteBuffer accumulates bytes for a single outbound frame, growing its
// backing buffer on demand.
type WriteBuffer struct {
	conn     *Conn
	buf      wsbuf.Buffer
	n        int
	opcode   wsframe.Opcode
	allocErr error
}

// Write appends p to the buffer, growing it if necessary.
func (w *WriteBuffer) Write(p []byte) (int, error) {
	if w.allocErr != nil {
		return 0, w.allocErr
	}
	need := w.n + len(p)
	if need > len(w.buf.Bytes) {
		newCap := growStep(len(w.buf.Bytes), need)
		grown, err := w.conn.provider.Grow(w.buf, w.n, newCap)
		if err != nil {
			return 0, err
		}
		w.buf = grown
	}
	copy(w.buf.Bytes[w.n:need], p)
	w.n = need
	return len(p), nil
}

// Flush emits one frame with opcode and the accumulated bytes, then
// releases the backing buffer.
func (w *WriteBuffer) Flush() error {
	if w.allocErr != nil {
		return w.allocErr
	}
	err := w.conn.WriteFrame(w.opcode, w.buf.Bytes[:w.n])
	w.conn.provider.Free(w.buf)
	w.buf = wsbuf.Buffer{}
	return err
}

// readLoop repeatedly pulls messages from the reader and dispatches them by
// opcode, until the handler requests shutdown, the reader fails, or the
// peer disconnects.
func (c *Conn) readLoop() {
	for {
		msg, err := c.reader.ReadMessage(c.nc)
		if err != nil {
			c.onReadError(err)
			return
		}

		switch msg.Type {
		case MessageText, MessageBinary:
			c.handler.Handle(msg)
			c.reader.Handled()
			if c.closed {
				return
			}

		case MessagePong:
			if c.handlePong {
				c.handler.Handle(msg)
			}
			c.reader.Handled()
			if c.closed {
				return
			}

		case MessagePing:
			if c.handlePing {
				c.handler.Handle(msg)
			} else if len(msg.Payload) == 0 {
				_ = c.writeEmptyPong()
			} else {
				_ = c.WritePong(msg.Payload)
			}
			c.reader.Handled()
			if c.closed {
				return
			}

		case MessageClose:
			if c.handleClose {
				c.handler.Handle(msg)
				c.reader.Handled()
				return
			}
			c.respondToClose(msg.Payload)
			c.reader.Handled()
			return
		}
	}
}

// respondToClose validates an inbound close frame's optional code and
// UTF-8 reason text, replying with a normal closure or a protocol-error
// closure as appropriate.
func (c *Conn) respondToClose(payload []byte) {
	l := len(payload)
	switch {
	case l == 0:
		_ = c.WriteCloseWithCode(CloseNormalClosure)
	case l == 1:
		_ = c.WriteCloseWithCode(CloseProtocolError)
	default:
		code := uint16(payload[0])<<8 | uint16(payload[1])
		if !validCloseCode(code) {
			_ = c.WriteCloseWithCode(CloseProtocolError)
			return
		}
		if l > 2 && !utf8.Valid(payload[2:]) {
			_ = c.WriteCloseWithCode(CloseProtocolError)
			return
		}
		_ = c.WriteCloseWithCode(CloseNormalClosure)
	}
}

// onReadError dispatches by error category: protocol errors get a
// best-effort close 1002 reply before the connection terminates; resource
// limits and I/O errors terminate silently.
func (c *Conn) onReadError(err error) {
	if pe, ok := err.(*ProtocolError); ok {
		c.logger.Debug("websocket: protocol error, closing",
			slog.String("conn_id", c.id), slog.String("reason", pe.Reason))
		_ = c.WriteCloseWithCode(uint16(pe.CloseCode))
		return
	}
	c.logger.Debug("websocket: read loop ending",
		slog.String("conn_id", c.id), slog.Any("error", err))
}

package wsocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/nyxwire/wsocket/internal/wsbuf"
	"github.com/nyxwire/wsocket/internal/wsframe"
)

// Reader assembles complete, unmasked Messages out of a raw byte stream. It
// owns a fixed-size static buffer and, when a message exceeds it, borrows a
// large buffer from the shared Provider. One Reader exists per accepted
// connection for the connection's lifetime.
type Reader struct {
	provider *wsbuf.Provider
	maxSize  int

	static []byte // fixed-size scratch buffer, len == cap == Config.BufferSize
	pos    int    // end of valid bytes currently read into static
	start  int    // parse cursor within static

	// spill holds the large buffer acquired for the frame currently being
	// parsed, when its payload doesn't fit in static's remaining capacity.
	spill     wsbuf.Buffer
	spillUsed bool

	// leased holds the buffer backing the message about to be returned
	// from ReadMessage, kept alive until the caller calls Handled.
	leased       wsbuf.Buffer
	leasedActive bool

	// Fragmentation state, tracking a multi-frame message in progress.
	fragmented bool
	fragType   wsframe.Opcode
	fragAccum  wsbuf.Buffer
	fragLen    int
}

// NewReader creates a Reader with a BufferSize-sized static buffer, backed
// by provider for oversized and fragmented messages, rejecting any message
// (or fragment sum) larger than maxSize.
func NewReader(provider *wsbuf.Provider, bufferSize, maxSize int) *Reader {
	return &Reader{
		provider: provider,
		maxSize:  maxSize,
		static:   make([]byte, bufferSize),
	}
}

// compact moves any unparsed trailing bytes in static down to offset 0,
// so that a fresh header parse has the whole buffer's capacity ahead of it.
func (r *Reader) compact() {
	if r.start == 0 {
		return
	}
	n := copy(r.static, r.static[r.start:r.pos])
	r.pos = n
	r.start = 0
}

// fill reads more bytes from stream into static until at least n bytes are
// available from the current parse position, compacting first if needed.
// It is only used for header-sized reads (at most 14 bytes), which always
// fit comfortably within a correctly configured static buffer.
func (r *Reader) fill(stream io.Reader, n int) error {
	if r.pos-r.start >= n {
		return nil
	}
	r.compact()
	if n > len(r.static) {
		return fmt.Errorf("wsocket: reader: buffer_size too small for a frame header (%d bytes)", n)
	}
	for r.pos < n {
		m, err := stream.Read(r.static[r.pos:])
		if m > 0 {
			r.pos += m
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// take returns a view of exactly n bytes starting at the parse cursor,
// reading more from stream as needed, and advances the cursor past them.
func (r *Reader) take(stream io.Reader, n int) ([]byte, error) {
	if err := r.fill(stream, n); err != nil {
		return nil, err
	}
	b := r.static[r.start : r.start+n]
	r.start += n
	return b, nil
}

// readPayload returns a view of n payload bytes, reading them into static
// when they fit in its remaining capacity, or spilling into a large buffer
// acquired from the provider (copying over whatever prefix was already
// resident in static) when they don't. The returned slice is only valid
// until the next Reader call; callers that need it to outlive the current
// frame (continuation accumulation) must copy it via appendFrag before
// calling releaseSpill.
func (r *Reader) readPayload(stream io.Reader, n int) ([]byte, error) {
	remainingCap := len(r.static) - r.start
	if n <= remainingCap {
		for r.pos-r.start < n {
			m, err := stream.Read(r.static[r.pos:])
			if m > 0 {
				r.pos += m
			}
			if err != nil {
				return nil, err
			}
		}
		b := r.static[r.start : r.start+n]
		r.start += n
		return b, nil
	}

	buf, err := r.provider.AllocPooledOr(n)
	if err != nil {
		return nil, err
	}
	avail := r.pos - r.start
	copy(buf.Bytes, r.static[r.start:r.pos])
	r.start = r.pos
	got := avail
	for got < n {
		m, err := stream.Read(buf.Bytes[got:n])
		if m > 0 {
			got += m
		}
		if err != nil {
			r.provider.Free(buf)
			return nil, err
		}
	}
	r.spill = buf
	r.spillUsed = true
	return buf.Bytes[:n], nil
}

// releaseSpill frees the current frame's spill buffer, if any. Called once
// its bytes have been copied into the fragmentation accumulator, since
// ownership isn't being handed to the caller of ReadMessage in that case.
func (r *Reader) releaseSpill() {
	if r.spillUsed {
		r.provider.Free(r.spill)
		r.spill = wsbuf.Buffer{}
		r.spillUsed = false
	}
}

// adoptSpill transfers ownership of the current frame's spill buffer (if
// any) to r.leased, so it survives until Handled() instead of being freed
// immediately - used when the frame being parsed IS the deliverable
// message, not an intermediate fragment.
func (r *Reader) adoptSpill() {
	if r.spillUsed {
		r.leased = r.spill
		r.leasedActive = true
		r.spill = wsbuf.Buffer{}
		r.spillUsed = false
	}
}

// growStep applies the same saturating growth formula WriteBuffer uses to
// the fragmentation accumulator as well, so repeated small fragments don't
// reallocate on every frame.
func growStep(capacity, need int) int {
	for capacity < need {
		next := capacity + capacity/2 + 8
		if next < capacity {
			return math.MaxInt
		}
		capacity = next
	}
	return capacity
}

// appendFrag copies payload into the fragmentation accumulator, growing it
// through the provider as needed, and fails with ErrTooLarge if the
// accumulated total would exceed maxSize.
func (r *Reader) appendFrag(payload []byte) error {
	need := r.fragLen + len(payload)
	if need > r.maxSize {
		return ErrTooLarge
	}
	if need > len(r.fragAccum.Bytes) {
		newCap := growStep(len(r.fragAccum.Bytes), need)
		grown, err := r.provider.Grow(r.fragAccum, r.fragLen, newCap)
		if err != nil {
			return err
		}
		r.fragAccum = grown
	}
	copy(r.fragAccum.Bytes[r.fragLen:need], payload)
	r.fragLen = need
	return nil
}

func (r *Reader) readHeader(stream io.Reader) (wsframe.Header, error) {
	var hdr wsframe.Header

	b, err := r.take(stream, 1)
	if err != nil {
		return hdr, err
	}
	hdr.Fin, hdr.Rsv1, hdr.Rsv2, hdr.Rsv3, hdr.Opcode = wsframe.ParseFirstByte(b[0])

	b, err = r.take(stream, 1)
	if err != nil {
		return hdr, err
	}
	masked, indicator := wsframe.ParseSecondByte(b[0])
	hdr.Masked = masked

	switch indicator {
	case 126:
		b, err = r.take(stream, 2)
		if err != nil {
			return hdr, err
		}
		hdr.Length = uint64(binary.BigEndian.Uint16(b))
	case 127:
		b, err = r.take(stream, 8)
		if err != nil {
			return hdr, err
		}
		hdr.Length = binary.BigEndian.Uint64(b)
	default:
		hdr.Length = uint64(indicator)
	}

	if hdr.Masked {
		b, err = r.take(stream, 4)
		if err != nil {
			return hdr, err
		}
		copy(hdr.MaskKey[:], b)
	}

	return hdr, nil
}

// ReadMessage blocks until the next logical Message can be delivered: a
// complete (possibly reassembled) data message, or any single control
// frame. After processing the returned message, the caller must call
// Handled before the next ReadMessage call.
func (r *Reader) ReadMessage(stream io.Reader) (Message, error) {
	for {
		hdr, err := r.readHeader(stream)
		if err != nil {
			return Message{}, err
		}

		if hdr.Rsv1 || hdr.Rsv2 || hdr.Rsv3 {
			return Message{}, newProtocolError("reserved bits set")
		}
		if !hdr.Opcode.Valid() {
			return Message{}, newProtocolError(fmt.Sprintf("unknown opcode %#x", byte(hdr.Opcode)))
		}
		if !hdr.Masked {
			return Message{}, newProtocolError("unmasked client frame")
		}
		if hdr.Opcode.IsControl() {
			if hdr.Length > 125 {
				return Message{}, newProtocolError("control frame payload exceeds 125 bytes")
			}
			if !hdr.Fin {
				return Message{}, newProtocolError("fragmented control frame")
			}
		}

		switch {
		case !r.fragmented && hdr.Opcode == wsframe.Continuation:
			return Message{}, newProtocolError("continuation frame with no message in progress")
		case r.fragmented && (hdr.Opcode == wsframe.Text || hdr.Opcode == wsframe.Binary):
			return Message{}, newProtocolError("new message started before previous fragmented message finished")
		}

		if hdr.Length > uint64(r.maxSize) {
			return Message{}, ErrTooLarge
		}
		var projected int
		if hdr.Opcode == wsframe.Continuation {
			projected = r.fragLen + int(hdr.Length)
		} else {
			projected = int(hdr.Length)
		}
		if projected > r.maxSize {
			return Message{}, ErrTooLarge
		}

		payload, err := r.readPayload(stream, int(hdr.Length))
		if err != nil {
			return Message{}, err
		}
		wsframe.Mask(payload, hdr.MaskKey, 0)

		switch hdr.Opcode {
		case wsframe.Text, wsframe.Binary:
			if hdr.Fin {
				r.adoptSpill()
				return Message{Type: dataMessageType(hdr.Opcode), Payload: payload}, nil
			}
			r.fragmented = true
			r.fragType = hdr.Opcode
			r.fragLen = 0
			if err := r.appendFrag(payload); err != nil {
				r.releaseSpill()
				return Message{}, err
			}
			r.releaseSpill()

		case wsframe.Continuation:
			if err := r.appendFrag(payload); err != nil {
				r.releaseSpill()
				return Message{}, err
			}
			r.releaseSpill()
			if hdr.Fin {
				r.fragmented = false
				msg := Message{Type: dataMessageType(r.fragType), Payload: r.fragAccum.Bytes[:r.fragLen]}
				if r.fragAccum.Bytes != nil {
					r.leased = r.fragAccum
					r.leasedActive = true
					r.fragAccum = wsbuf.Buffer{}
				}
				return msg, nil
			}

		case wsframe.Ping, wsframe.Pong, wsframe.Close:
			r.adoptSpill()
			return Message{Type: controlMessageType(hdr.Opcode), Payload: payload}, nil
		}
	}
}

func dataMessageType(op wsframe.Opcode) MessageType {
	if op == wsframe.Binary {
		return MessageBinary
	}
	return MessageText
}

func controlMessageType(op wsframe.Opcode) MessageType {
	switch op {
	case wsframe.Ping:
		return MessagePing
	case wsframe.Pong:
		return MessagePong
	default:
		return MessageClose
	}
}

// Handled releases any large buffer backing the most recently delivered
// message and compacts the static buffer so the next ReadMessage call
// starts fresh. It must be called exactly once after each ReadMessage
// success before calling ReadMessage again.
func (r *Reader) Handled() {
	if r.leasedActive {
		r.provider.Free(r.leased)
		r.leased = wsbuf.Buffer{}
		r.leasedActive = false
	}
	r.compact()
}

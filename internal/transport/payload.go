package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/tinylib/msgp/msgp"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

// msgpack array type bytes.
const (
	msgpackArrayFix byte = 0x90
	msgpackArray16  byte = 0xdc
	msgpackArray32  byte = 0xdd
)

// Payload accumulates encoded trace chunks as one msgpack array. The
// array header lives in a separate 8-byte prefix that is re-patched on
// every push, so adding a chunk never re-encodes what is already
// buffered. Reading the payload streams the patched header followed by
// the chunk buffer.
type Payload struct {
	header []byte
	off    int
	count  uint64
	buf    bytes.Buffer
	reader io.Reader
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	p := &Payload{header: make([]byte, 8)}
	p.updateHeader()
	return p
}

// Push appends one chunk, the spans of a single trace segment. It fails
// with BUFFER_OVERFLOW once the chunk count no longer fits a msgpack
// array32 header, or when the encoded chunks would exceed 4 GiB; a
// rejected chunk is not kept.
func (p *Payload) Push(spans []*Span) error {
	if p.count >= math.MaxUint32 {
		return errs.New(errs.BufferOverflow, "payload cannot hold further trace chunks")
	}
	before := p.buf.Len()
	w := msgp.NewWriter(&p.buf)
	if err := w.WriteArrayHeader(uint32(len(spans))); err != nil {
		return err
	}
	for _, s := range spans {
		if err := s.EncodeMsg(w); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if uint64(p.buf.Len()) > math.MaxUint32 {
		p.buf.Truncate(before)
		return errs.New(errs.BufferOverflow, "payload would exceed 4 GiB")
	}
	p.count++
	p.updateHeader()
	return nil
}

// Count reports the number of chunks pushed.
func (p *Payload) Count() int { return int(p.count) }

// Size reports the encoded size in bytes, header included.
func (p *Payload) Size() int { return len(p.header) - p.off + p.buf.Len() }

// Read implements io.Reader over the encoded payload. Pushing after the
// first Read is not supported.
func (p *Payload) Read(b []byte) (int, error) {
	if p.reader == nil {
		p.reader = io.MultiReader(
			bytes.NewReader(p.header[p.off:]),
			bytes.NewReader(p.buf.Bytes()),
		)
	}
	return p.reader.Read(b)
}

// updateHeader rewrites the array header for the current chunk count,
// keeping it right-aligned in the prefix buffer.
func (p *Payload) updateHeader() {
	n := p.count
	switch {
	case n <= 15:
		p.header[7] = msgpackArrayFix | byte(n)
		p.off = 7
	case n <= math.MaxUint16:
		binary.BigEndian.PutUint64(p.header, n)
		p.header[5] = msgpackArray16
		p.off = 5
	default:
		binary.BigEndian.PutUint64(p.header, n)
		p.header[3] = msgpackArray32
		p.off = 3
	}
}

// Package buffer provides the streaming byte buffer shared by the request and
// response sides of a session.
//
// A Buffer holds one contiguous region with a read cursor. Consumers pull
// bytes on demand through a Filler; producers push bytes out through a
// Drainer, either explicitly with Flush or implicitly when an Append would
// push occupancy past the configured maximum.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultMaxSize leaves the occupancy effectively unbounded.
	DefaultMaxSize = math.MaxInt32
	// DefaultPersistentSize is the largest capacity kept across Restart.
	DefaultPersistentSize = 4096
	// allocGranularity is the rounding unit for storage growth.
	allocGranularity = 1024
)

var (
	// ErrEndOfStream reports that the filler could not supply enough bytes.
	ErrEndOfStream = errors.New("end of stream")
	// ErrCapacityExceeded reports an append past MaxSize with no drainer registered.
	ErrCapacityExceeded = errors.New("buffer capacity exceeded")
	// ErrInvalidArgument reports a cursor move outside the buffered region.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoDrainer reports a Flush on a buffer without a drainer.
	ErrNoDrainer = errors.New("no drainer registered")
)

// Filler sources bytes for a buffer. Fill appends whatever it obtained to b
// and returns an error once no more bytes will arrive. Returning nil without
// appending is allowed and simply causes another attempt.
type Filler interface {
	Fill(b *Buffer) error
}

// Drainer sinks bytes pushed out of a buffer. p is only valid for the
// duration of the call.
type Drainer interface {
	Drain(p []byte) error
}

// FillFunc adapts a function to the Filler interface.
type FillFunc func(b *Buffer) error

// Fill calls f(b).
func (f FillFunc) Fill(b *Buffer) error { return f(b) }

// DrainFunc adapts a function to the Drainer interface.
type DrainFunc func(p []byte) error

// Drain calls f(p).
func (f DrainFunc) Drain(p []byte) error { return f(p) }

// Buffer is a growable byte region with a read cursor.
//
// Unconsumed bytes always live in buf[offset:length]. A Buffer is owned by a
// single goroutine and does no locking.
type Buffer struct {
	buf    []byte
	offset int
	length int

	maxSize        int
	persistentSize int

	filler  Filler
	drainer Drainer
}

// New creates an empty buffer with default limits.
func New() *Buffer {
	return &Buffer{
		maxSize:        DefaultMaxSize,
		persistentSize: DefaultPersistentSize,
	}
}

// SetFiller registers the source used by PullUntil and friends.
func (b *Buffer) SetFiller(f Filler) { b.filler = f }

// SetDrainer registers the sink used by Flush and overflow eviction.
func (b *Buffer) SetDrainer(d Drainer) { b.drainer = d }

// SetMaxSize sets the occupancy ceiling. Non-positive values restore the default.
func (b *Buffer) SetMaxSize(n int) {
	if n <= 0 {
		n = DefaultMaxSize
	}
	b.maxSize = n
}

// MaxSize returns the occupancy ceiling.
func (b *Buffer) MaxSize() int { return b.maxSize }

// SetPersistentSize sets the capacity above which Restart releases storage.
func (b *Buffer) SetPersistentSize(n int) {
	if n < 0 {
		n = 0
	}
	b.persistentSize = n
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return b.length - b.offset }

// Cap returns the capacity of the backing storage.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Bytes returns a view of the unconsumed bytes. The view is invalidated by
// the next Append, Flush or Restart.
func (b *Buffer) Bytes() []byte { return b.buf[b.offset:b.length] }

// Append stores p after the buffered bytes.
//
// When the result would exceed MaxSize, the buffered bytes are drained first
// and, if p alone is larger than MaxSize, p is drained in MaxSize chunks with
// only the final partial chunk kept. Without a drainer the append fails with
// ErrCapacityExceeded and leaves the buffer untouched.
func (b *Buffer) Append(p []byte) error {
	if b.offset > 0 && b.length+len(p) > cap(b.buf) {
		b.compact()
	}

	if b.Len()+len(p) > b.maxSize {
		if b.drainer == nil {
			return fmt.Errorf("append %d bytes over %d buffered (max %d): %w",
				len(p), b.Len(), b.maxSize, ErrCapacityExceeded)
		}
		if b.Len() > 0 {
			err := b.drainer.Drain(b.buf[b.offset:b.length])
			b.offset, b.length = 0, 0
			if err != nil {
				return err
			}
		}
		for len(p) > b.maxSize {
			if err := b.drainer.Drain(p[:b.maxSize]); err != nil {
				return err
			}
			p = p[b.maxSize:]
		}
	}

	b.grow(len(p))
	b.length += copy(b.buf[b.length:b.length+len(p)], p)
	return nil
}

// AppendString is Append for string data.
func (b *Buffer) AppendString(s string) error {
	return b.Append([]byte(s))
}

// Write implements io.Writer on top of Append.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// compact moves the unconsumed bytes to the start of storage.
func (b *Buffer) compact() {
	n := copy(b.buf, b.buf[b.offset:b.length])
	b.offset = 0
	b.length = n
}

// grow ensures room for n more bytes after length.
func (b *Buffer) grow(n int) {
	need := b.length + n
	if need <= cap(b.buf) {
		b.buf = b.buf[:cap(b.buf)]
		return
	}
	size := (need/allocGranularity + 1) * allocGranularity
	buf := make([]byte, size)
	live := copy(buf, b.buf[b.offset:b.length])
	b.buf = buf
	b.offset = 0
	b.length = live
}

// PullUntil invokes the filler until at least need bytes are buffered.
func (b *Buffer) PullUntil(need int) error {
	for b.Len() < need {
		if err := b.pull(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) pull() error {
	if b.filler == nil {
		return ErrEndOfStream
	}
	if err := b.filler.Fill(b); err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrEndOfStream, err)
	}
	return nil
}

// GetByte consumes and returns the next byte.
func (b *Buffer) GetByte() (byte, error) {
	if err := b.PullUntil(1); err != nil {
		return 0, err
	}
	c := b.buf[b.offset]
	b.offset++
	return c, nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) { return b.GetByte() }

// PeekByte returns the next byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if err := b.PullUntil(1); err != nil {
		return 0, err
	}
	return b.buf[b.offset], nil
}

// FindDelimiter returns the distance from the read cursor to the first byte
// contained in set, pulling more data as needed. hint, when positive, is the
// number of bytes to pull before scanning. It returns -1 once the filler
// fails without a match.
func (b *Buffer) FindDelimiter(set []byte, hint int) int {
	if hint > 0 {
		_ = b.PullUntil(hint)
	}

	scanned := 0
	for {
		if i := indexAny(b.buf[b.offset+scanned:b.length], set); i >= 0 {
			return scanned + i
		}
		scanned = b.Len()
		if err := b.pull(); err != nil {
			if i := indexAny(b.buf[b.offset+scanned:b.length], set); i >= 0 {
				return scanned + i
			}
			return -1
		}
	}
}

func indexAny(p, set []byte) int {
	if len(set) == 1 {
		return bytes.IndexByte(p, set[0])
	}
	for i, c := range p {
		if bytes.IndexByte(set, c) >= 0 {
			return i
		}
	}
	return -1
}

// GetSpan consumes up to n bytes and returns them as a view into storage.
// Fewer bytes are returned when the stream ends first, and nil when nothing
// is available. The view is invalidated by the next Append, Flush or Restart.
func (b *Buffer) GetSpan(n int) []byte {
	if n <= 0 {
		return nil
	}
	_ = b.PullUntil(n)
	if avail := b.Len(); n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	p := b.buf[b.offset : b.offset+n : b.offset+n]
	b.offset += n
	return p
}

// GetString is the copying variant of GetSpan.
func (b *Buffer) GetString(n int) string {
	return string(b.GetSpan(n))
}

// Unget moves the read cursor back by n bytes.
func (b *Buffer) Unget(n int) error {
	if n < 0 || n > b.offset {
		return fmt.Errorf("unget %d with cursor at %d: %w", n, b.offset, ErrInvalidArgument)
	}
	b.offset -= n
	return nil
}

// Flush hands every unconsumed byte to the drainer once and empties the
// buffer, whether or not the drain succeeded.
func (b *Buffer) Flush() error {
	if b.Len() == 0 {
		b.offset, b.length = 0, 0
		return nil
	}
	var err error
	if b.drainer == nil {
		err = ErrNoDrainer
	} else {
		err = b.drainer.Drain(b.buf[b.offset:b.length])
	}
	b.offset, b.length = 0, 0
	return err
}

// Discard drops every unconsumed byte without draining it.
func (b *Buffer) Discard() {
	b.offset, b.length = 0, 0
}

// Restart empties the buffer for reuse, releasing storage that grew past the
// persistent size.
func (b *Buffer) Restart() {
	b.offset, b.length = 0, 0
	if cap(b.buf) > b.persistentSize {
		b.buf = nil
	}
}

// Free releases the storage.
func (b *Buffer) Free() {
	b.buf = nil
	b.offset, b.length = 0, 0
}

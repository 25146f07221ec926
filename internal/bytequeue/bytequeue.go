// Package bytequeue implements the asynchronous byte reservoir (spec §4.1)
// that sits between the HTTP body producer and the ZIP stream reader.
package bytequeue

import (
	"errors"
	"io"
	"sync"
)

// ErrInputTruncated is returned by Ensure/Read when the producer ends before
// enough bytes have been supplied.
var ErrInputTruncated = errors.New("bytequeue: input truncated")

// highWaterMark bounds how far the producer can run ahead of the consumer
// before Write blocks, keeping the working set proportional to I/O buffer
// sizes rather than file size (spec §5).
const highWaterMark = 1 << 20 // 1 MiB

// Queue is a producer/consumer byte reservoir. A single producer calls Write
// and Close/CloseWithError; a single consumer calls Ensure, Read, PeekUint32LE,
// StreamExact, StreamUnknown and DiscardFuture. It is not safe for multiple
// concurrent producers or multiple concurrent consumers.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	err    error // sticky producer-side error, if any
	discard bool

	consumedTotal uint64
}

// New returns an empty Queue ready for use.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write implements io.Writer for the producer side. It blocks while the
// buffered length exceeds the high water mark, providing backpressure.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, io.ErrClosedPipe
	}
	if q.discard {
		return len(p), nil
	}

	for len(q.buf) > highWaterMark && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	if q.discard {
		return len(p), nil
	}

	q.buf = append(q.buf, p...)
	q.cond.Broadcast()
	return len(p), nil
}

// Close signals that the producer has ended normally.
func (q *Queue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError signals producer termination, optionally with an error that
// Ensure/Read/stream reads will surface once buffered bytes are exhausted.
func (q *Queue) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.cond.Broadcast()
}

// ensureLocked blocks until at least n bytes are buffered or the producer has
// ended. Caller must hold q.mu.
func (q *Queue) ensureLocked(n int) error {
	for len(q.buf) < n {
		if q.closed {
			if q.err != nil {
				return q.err
			}
			return ErrInputTruncated
		}
		q.cond.Wait()
	}
	return nil
}

// Ensure suspends until at least n bytes are buffered or the producer ends.
func (q *Queue) Ensure(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ensureLocked(n)
}

// Read consumes and returns exactly n bytes. The caller must have already
// Ensure(n)'d (or be reading via the stream helpers, which ensure internally).
func (q *Queue) Read(n int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLocked(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, q.buf[:n])
	q.buf = q.buf[n:]
	q.consumedTotal += uint64(n)
	q.cond.Broadcast()
	return out, nil
}

// ConsumedTotal returns the monotonic count of bytes Read so far. Peeks do
// not affect it.
func (q *Queue) ConsumedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumedTotal
}

// PeekUint32LE returns the next 4 bytes as a little-endian uint32 without
// consuming them.
func (q *Queue) PeekUint32LE() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLocked(4); err != nil {
		return 0, err
	}
	b := q.buf[:4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// exactReader is a finite, non-restartable io.Reader over exactly n bytes of
// the queue.
type exactReader struct {
	q         *Queue
	remaining int
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}
	chunk, err := r.q.Read(n)
	if err != nil {
		return 0, err
	}
	copy(p, chunk)
	r.remaining -= len(chunk)
	return len(chunk), nil
}

// StreamExact returns a lazy reader over exactly n bytes from the queue.
func (q *Queue) StreamExact(n int64) io.Reader {
	return &exactReader{q: q, remaining: int(n)}
}

// unknownReader is a finite reader that ends when the producer ends.
type unknownReader struct {
	q *Queue
}

func (r *unknownReader) Read(p []byte) (int, error) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()

	for len(r.q.buf) == 0 {
		if r.q.closed {
			if r.q.err != nil {
				return 0, r.q.err
			}
			return 0, io.EOF
		}
		r.q.cond.Wait()
	}

	n := len(p)
	if n > len(r.q.buf) {
		n = len(r.q.buf)
	}
	copy(p, r.q.buf[:n])
	r.q.buf = r.q.buf[n:]
	r.q.consumedTotal += uint64(n)
	r.q.cond.Broadcast()
	return n, nil
}

// ReadByte consumes a single byte. Because the reader implements
// io.ByteReader, a flate decoder reads it byte by byte and stops at the end
// of its own stream, leaving any trailing data descriptor in the queue.
func (r *unknownReader) ReadByte() (byte, error) {
	var b [1]byte
	if n, err := r.Read(b[:]); n == 0 {
		return 0, err
	}
	return b[0], nil
}

// StreamUnknown returns a lazy reader that yields buffered bytes until the
// producer ends.
func (q *Queue) StreamUnknown() io.Reader {
	return &unknownReader{q: q}
}

// DiscardFuture drops currently buffered bytes and causes all subsequent
// producer writes to be silently absorbed without error.
func (q *Queue) DiscardFuture() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
	q.discard = true
	q.cond.Broadcast()
}

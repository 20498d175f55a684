// Package capture observes bytes flowing through a stream without altering them.
//
// A Reader forwards every Read of the wrapped source unchanged and, as a side
// effect, appends the bytes to a buffer capped at a fixed size. The captured
// prefix becomes available on a side channel once the stream ends, fails or is
// closed. The buffer never blocks the stream: once the cap is reached further
// bytes are only counted.
package capture

import (
	"io"
	"sync"

	"endpoint-logger/internal/model"
)

// Buffer accumulates the prefix of a stream up to a fixed limit.
// It is safe for one writer and concurrent readers of Result.
type Buffer struct {
	mu        sync.Mutex
	limit     int64
	data      []byte
	size      int64
	truncated bool
	err       error
	done      chan struct{}
	closed    bool
}

// NewBuffer returns a Buffer that keeps at most limit bytes. A negative limit is treated as zero.
func NewBuffer(limit int64) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{limit: limit, done: make(chan struct{})}
}

// observe appends p to the captured prefix, dropping whatever exceeds the limit.
func (b *Buffer) observe(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.size += int64(len(p))
	if b.truncated {
		return
	}
	room := b.limit - int64(len(b.data))
	if int64(len(p)) > room {
		p = p[:room]
		b.truncated = true
	}
	if len(p) > 0 {
		if b.data == nil {
			b.data = make([]byte, 0, min(b.limit, 32*1024))
		}
		b.data = append(b.data, p...)
	}
}

// finish ends the capture. Only the first call has an effect.
func (b *Buffer) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if err != nil && err != io.EOF {
		b.err = err
	}
	b.closed = true
	close(b.done)
}

// Done is closed once the stream has ended and Result is final.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

// Result returns the captured prefix so far. After Done it no longer changes.
func (b *Buffer) Result() model.Body {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.Body{
		Data:      b.data[:len(b.data):len(b.data)],
		Size:      b.size,
		Truncated: b.truncated,
	}
}

// Err returns the stream error that ended the capture, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reader is a pass-through reader that captures what it reads.
type Reader struct {
	src   io.Reader
	buf   *Buffer
	eof   bool
	mu    sync.Mutex
	onErr func(error)
}

// NewReader wraps src and captures at most limit bytes of it.
func NewReader(src io.Reader, limit int64) *Reader {
	return &Reader{src: src, buf: NewBuffer(limit)}
}

// OnError registers a callback invoked with the first non-EOF read error.
func (r *Reader) OnError(fn func(error)) {
	r.onErr = fn
}

// Read reads from the wrapped source. The bytes and error are returned unchanged.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.buf.observe(p[:n])
	}
	if err != nil {
		if err == io.EOF {
			r.mu.Lock()
			r.eof = true
			r.mu.Unlock()
		} else if r.onErr != nil {
			r.onErr(err)
		}
		r.buf.finish(err)
	}
	return n, err
}

// Close closes the wrapped source if it is an io.Closer and ends the capture.
func (r *Reader) Close() error {
	var err error
	if c, ok := r.src.(io.Closer); ok {
		err = c.Close()
	}
	r.buf.finish(nil)
	return err
}

// EOF reports whether the wrapped source was read to its end.
func (r *Reader) EOF() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof
}

// Buffer returns the side channel holding the captured prefix.
func (r *Reader) Buffer() *Buffer {
	return r.buf
}

// Result ends the capture if the stream is still open and returns what was captured.
func (r *Reader) Result() model.Body {
	r.buf.finish(nil)
	return r.buf.Result()
}

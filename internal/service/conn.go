package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MaxHeaderBytes bounds the request line plus headers of one request.
const MaxHeaderBytes = 1 << 20

// Bounds on draining a rejected connection before closing it.
const (
	lingerTimeout = 500 * time.Millisecond
	lingerBytes   = 256 << 10
)

// aLongTimeAgo is a non-zero time far in the past, used to wake blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// deadlineConn refreshes the read or write deadline before every operation,
// so a deadline bounds the time between two progress events, not the whole
// exchange. Once aborted, every operation fails immediately.
type deadlineConn struct {
	net.Conn
	timeout atomic.Int64 // nanoseconds; zero disables deadlines
	aborted atomic.Bool
}

func (c *deadlineConn) setTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
	// Re-check after arming: an abort racing with the line above must still win.
	if c.aborted.Load() {
		_ = c.Conn.SetReadDeadline(aLongTimeAgo)
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(d))
	} else {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
	if c.aborted.Load() {
		_ = c.Conn.SetWriteDeadline(aLongTimeAgo)
	}
	return c.Conn.Write(p)
}

func (c *deadlineConn) abort() {
	c.aborted.Store(true)
	_ = c.Conn.SetDeadline(aLongTimeAgo)
}

// timingWriter records when response bytes reach the client connection and
// the first write error.
type timingWriter struct {
	w io.Writer

	mu        sync.Mutex
	recording bool
	first     time.Time
	last      time.Time
	err       error
	onWrite   func()
}

func (t *timingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 && t.recording {
		now := time.Now()
		if t.first.IsZero() {
			t.first = now
		}
		t.last = now
	}
	if err != nil && t.err == nil {
		t.err = err
	}
	if n > 0 && t.onWrite != nil {
		t.onWrite()
	}
	return n, err
}

// begin resets the writer for a new response.
func (t *timingWriter) begin(onWrite func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recording = true
	t.first, t.last, t.err = time.Time{}, time.Time{}, nil
	t.onWrite = onWrite
}

func (t *timingWriter) end() (first, last time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recording = false
	t.onWrite = nil
	first, last, err = t.first, t.last, t.err
	return first, last, err
}

func (t *timingWriter) failed() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Conn is one accepted client connection. It carries the buffered reader and
// writer shared by the sequential exchanges served on it.
type Conn struct {
	nc *deadlineConn
	lr *io.LimitedReader
	br *bufio.Reader
	tw *timingWriter
	bw *bufio.Writer

	// wmu serializes the interim 100 Continue with the start of the response.
	wmu             sync.Mutex
	responseStarted bool

	arrived time.Time
}

// NewConn wraps an accepted connection.
func NewConn(nc net.Conn) *Conn {
	dc := &deadlineConn{Conn: nc}
	lr := &io.LimitedReader{R: dc, N: math.MaxInt64}
	tw := &timingWriter{w: dc}
	return &Conn{
		nc: dc,
		lr: lr,
		br: bufio.NewReaderSize(lr, 4<<10),
		tw: tw,
		bw: bufio.NewWriterSize(tw, 32<<10),
	}
}

// WaitRequest blocks until the first byte of the next request is available or
// idle elapses. It does not consume anything.
func (c *Conn) WaitRequest(idle time.Duration) error {
	c.nc.setTimeout(idle)
	if _, err := c.br.Peek(1); err != nil {
		return err
	}
	c.arrived = time.Now()
	return nil
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Abort fails all pending and future I/O on the connection without closing it.
func (c *Conn) Abort() {
	c.nc.abort()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.nc.Conn.Close()
}

// Reject answers the pending request with 503 without reading it and closes
// the connection.
func (c *Conn) Reject(timeout time.Duration) error {
	c.nc.setTimeout(timeout)
	err := c.writeError(errAtCapacity)
	c.lingerClose()
	return err
}

// lingerClose half-closes the connection and discards what the client still
// sends for a moment, so unread request bytes do not turn the close into a
// reset that destroys the response in flight.
func (c *Conn) lingerClose() {
	if cw, ok := c.nc.Conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.nc.Conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(c.nc.Conn, lingerBytes))
	_ = c.nc.Conn.Close()
}

// reset prepares the connection for the next exchange.
func (c *Conn) reset(timeout time.Duration) {
	c.nc.setTimeout(timeout)
	c.wmu.Lock()
	c.responseStarted = false
	c.wmu.Unlock()
	if c.arrived.IsZero() {
		c.arrived = time.Now()
	}
}

// receivedAt returns when the current request's first byte arrived and clears it.
func (c *Conn) receivedAt() time.Time {
	t := c.arrived
	c.arrived = time.Time{}
	return t
}

// readRequest parses the next request with the header size bounded.
// tooLarge reports whether the bound was hit.
func (c *Conn) readRequest() (req *http.Request, tooLarge bool, err error) {
	c.lr.N = MaxHeaderBytes
	req, err = http.ReadRequest(c.br)
	tooLarge = c.lr.N <= 0
	c.lr.N = math.MaxInt64
	return req, tooLarge, err
}

// startResponse marks the final response as begun. No interim 100 Continue is
// sent after this point.
func (c *Conn) startResponse(onWrite func()) {
	c.wmu.Lock()
	c.responseStarted = true
	c.wmu.Unlock()
	c.tw.begin(onWrite)
}

// sendContinue writes 100 Continue unless the final response already started.
func (c *Conn) sendContinue() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.responseStarted {
		return nil
	}
	if _, err := io.WriteString(c.bw, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeError sends a proxy-generated JSON error response that closes the connection.
func (c *Conn) writeError(pe proxyError) error {
	body, _ := json.Marshal(map[string]string{"error": pe.message})
	resp := &http.Response{
		StatusCode:    pe.code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Close:         true,
	}

	c.wmu.Lock()
	c.responseStarted = true
	c.wmu.Unlock()

	if err := resp.Write(c.bw); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Package service implements the proxy pipeline: one request/response exchange
// driven end to end, with both bodies observed in transit and the outcome
// handed to the recorder exactly once.
package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"endpoint-logger/internal/capture"
	"endpoint-logger/internal/client"
	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
	"endpoint-logger/internal/model"
)

// Doer performs one backend round trip.
type Doer interface {
	Do(req *http.Request) (client.Result, error)
}

// Recorder receives every finalized exchange.
type Recorder interface {
	Record(ctx context.Context, ex *model.Exchange)
}

// Options parameterizes a Pipeline.
type Options struct {
	Backend           *url.URL
	SessionID         string
	MaxBodyCapture    int64
	InactivityTimeout time.Duration
}

// NewOptions derives pipeline options from the resolved configuration.
func NewOptions(cfg *config.Config, sessionID string) Options {
	return Options{
		Backend:           cfg.Proxy.Backend(),
		SessionID:         sessionID,
		MaxBodyCapture:    cfg.Capture.MaxBodyBytes,
		InactivityTimeout: cfg.Proxy.InactivityTimeout(),
	}
}

// Pipeline drives exchanges. It holds no per-exchange state and is safe for
// concurrent use by any number of connections.
type Pipeline struct {
	client   Doer
	seq      *model.Sequence
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
}

// NewPipeline creates a Pipeline. The metrics parameter is optional.
func NewPipeline(c Doer, seq *model.Sequence, rec Recorder, m *metrics.Metrics, logger *slog.Logger, opts Options) *Pipeline {
	return &Pipeline{
		client:   c,
		seq:      seq,
		recorder: rec,
		metrics:  m,
		logger:   logger.With("component", "pipeline"),
		opts:     opts,
	}
}

// Serve runs one exchange on c: it reads the next request, forwards it,
// relays the response and records the outcome. It reports whether c may carry
// another exchange.
//
// When Serve returns false, c is already closed.
// Canceling ctx with cause ErrShutdown force-aborts the exchange; the caller
// should also Abort c to unblock client I/O.
func (p *Pipeline) Serve(ctx context.Context, c *Conn) bool {
	c.reset(p.opts.InactivityTimeout)
	receivedAt := c.receivedAt()

	req, tooLarge, err := c.readRequest()

	// The id is taken as soon as the request is accepted, even if it turns
	// out to be unparsable, so ids follow acceptance order.
	ex := model.NewExchange(p.seq.Next(), p.opts.SessionID, receivedAt)
	ex.ClientAddr = c.RemoteAddr()

	if err != nil {
		f := p.rejectRequest(c, tooLarge, err)
		c.lingerClose()
		p.finish(ctx, ex, f)
		return false
	}
	ex.SetRequest(req.Method, req.RequestURI, req.Proto, req.Header)

	x := &exchange{p: p, c: c, ex: ex, req: req}
	f, keep := x.run(ctx)
	keep = keep && f == nil

	// A connection that carries no further exchange is closed before the
	// record is stored: close-delimited bodies end without waiting on storage.
	if !keep {
		c.lingerClose()
	}
	p.finish(ctx, ex, f)
	return keep
}

// rejectRequest answers a request that could not be parsed.
func (p *Pipeline) rejectRequest(c *Conn, tooLarge bool, err error) *failure {
	switch {
	case tooLarge:
		_ = c.writeError(errHeaderTooLarge)
		return &failure{model.StatusClientAborted, wrap(ErrClientProtocol, err)}
	case isTimeout(err):
		return &failure{model.StatusTimedOut, wrap(ErrInactivityTimeout, err)}
	case clientGone(err):
		return &failure{model.StatusClientAborted, wrap(ErrClientDisconnect, err)}
	}
	_ = c.writeError(errBadRequest)
	return &failure{model.StatusClientAborted, wrap(ErrClientProtocol, err)}
}

// finish freezes the record and hands it to the recorder.
func (p *Pipeline) finish(ctx context.Context, ex *model.Exchange, f *failure) {
	status, cause := model.StatusCompleted, error(nil)
	if f != nil {
		status, cause = f.status, f.cause
	}
	if err := ex.Finalize(status, cause, time.Now()); err != nil {
		p.logger.Error("finalize exchange", "exchange_id", ex.ID, "err", err)
		return
	}

	if p.metrics != nil {
		p.metrics.ExchangesTotal.WithLabelValues(string(status)).Inc()
		p.metrics.ExchangeDuration.WithLabelValues(string(status)).Observe(ex.Duration.Seconds())
		p.metrics.ObserveCapture(metrics.DirectionRequest, ex.Request.Body.Size, ex.Request.Body.Truncated)
		p.metrics.ObserveCapture(metrics.DirectionResponse, ex.Response.Body.Size, ex.Response.Body.Truncated)
	}

	attrs := []any{
		"exchange_id", ex.ID,
		"method", ex.Request.Method,
		"target", ex.Request.Target,
		"status", status,
		"response_status", ex.Response.StatusCode,
		"duration_ms", ex.Duration.Milliseconds(),
	}
	if cause != nil {
		p.logger.Warn("exchange aborted", append(attrs, "err", cause)...)
	} else {
		p.logger.Info("exchange", attrs...)
	}

	p.recorder.Record(ctx, ex)
}

// exchange is the state of one request/response pair in flight.
type exchange struct {
	p   *Pipeline
	c   *Conn
	ex  *model.Exchange
	req *http.Request

	ctx    context.Context
	cancel context.CancelCauseFunc
	wd     *watchdog

	reqBody *capture.Reader // nil when the request carries no body
	backend *backendBody
}

// run forwards the request and relays the response. It returns the failure
// that ended the exchange, if any, and whether the connection is reusable.
func (x *exchange) run(parent context.Context) (*failure, bool) {
	x.ctx, x.cancel = context.WithCancelCause(parent)
	defer x.cancel(nil)
	x.wd = newWatchdog(x.p.opts.InactivityTimeout, func() { x.cancel(ErrInactivityTimeout) })
	defer x.wd.stop()
	defer x.captureBodies()

	// Accepted -> RequestForwarding: the body streams to the backend as the
	// transport reads it; nothing waits for capture.
	res, err := x.p.client.Do(outboundRequest(x.ctx, x.p.opts.Backend, x.req, x.requestBody()))
	x.ex.BackendAddr = res.RemoteAddr
	if err != nil {
		f := classify(x.ctx, x.clientErr(), err, res.Connected)
		x.respondError(f)
		return &f, false
	}

	// AwaitingResponse -> ResponseForwarding: headers go out before the first
	// body read, every chunk before the next one.
	resp := res.Response
	x.ex.SetResponseHead(resp.StatusCode, resp.Header)
	x.backend = &backendBody{
		src:   capture.NewReader(resp.Body, x.p.opts.MaxBodyCapture),
		flush: x.c.bw.Flush,
		touch: x.wd.touch,
	}
	x.backend.src.OnError(func(err error) {
		if x.backend.err == nil {
			x.backend.err = err
		}
	})
	closeAfter := x.prepareResponse(resp)

	x.c.startResponse(x.wd.touch)
	err = resp.Write(writerOnly{x.c.bw})
	if err == nil {
		err = x.c.bw.Flush()
	}
	_ = x.backend.Close()
	first, last, writeErr := x.c.tw.end()
	x.ex.SetResponseTimes(first, last)

	if err != nil {
		clientErr := writeErr
		if clientErr == nil && x.reqBody != nil {
			clientErr = x.reqBody.Buffer().Err()
		}
		backendErr := x.backend.err
		if backendErr == nil {
			backendErr = err
		}
		f := classify(x.ctx, clientErr, backendErr, true)
		if first.IsZero() {
			x.c.bw.Reset(x.c.tw)
			x.respondError(f)
		}
		return &f, false
	}

	return nil, !closeAfter && !x.req.Close && x.requestConsumed()
}

// requestBody wraps the client body for the transport, or returns NoBody.
func (x *exchange) requestBody() io.ReadCloser {
	if x.req.Body == nil || x.req.Body == http.NoBody {
		return http.NoBody
	}
	x.reqBody = capture.NewReader(x.req.Body, x.p.opts.MaxBodyCapture)
	b := &clientBody{src: x.reqBody, touch: x.wd.touch}
	if expectsContinue(x.req) {
		b.expect = x.c.sendContinue
	}
	return b
}

// prepareResponse adapts the backend response for the client connection and
// reports whether the connection must close once it is written.
func (x *exchange) prepareResponse(resp *http.Response) bool {
	removeHopHeaders(resp.Header)
	resp.Body = x.backend
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1

	// HTTP/1.0 clients cannot take chunked bodies: an unknown length is
	// delimited by closing the connection instead.
	if !x.req.ProtoAtLeast(1, 1) {
		resp.TransferEncoding = nil
	}
	resp.Close = x.req.Close || !x.req.ProtoAtLeast(1, 1)

	unframed := resp.ContentLength < 0 && !chunked(resp.TransferEncoding)
	return resp.Close || unframed
}

// respondError sends the proxy error response for f when one applies.
func (x *exchange) respondError(f failure) {
	pe, ok := responseFor(f)
	if !ok {
		return
	}
	_ = x.c.writeError(pe)
}

func (x *exchange) clientErr() error {
	if x.reqBody != nil {
		if err := x.reqBody.Buffer().Err(); err != nil {
			return err
		}
	}
	return x.c.tw.failed()
}

func (x *exchange) requestConsumed() bool {
	return x.reqBody == nil || x.reqBody.EOF()
}

// captureBodies stores whatever both capture buffers hold.
func (x *exchange) captureBodies() {
	if x.reqBody != nil {
		x.ex.SetRequestBody(x.reqBody.Result())
	}
	if x.backend != nil {
		x.ex.SetResponseBody(x.backend.src.Result())
	}
}

// clientBody is the request body as seen by the transport. The underlying
// stream belongs to the client connection, so Close leaves it open.
type clientBody struct {
	src    *capture.Reader
	touch  func()
	expect func() error
}

func (b *clientBody) Read(p []byte) (int, error) {
	if b.expect != nil {
		send := b.expect
		b.expect = nil
		if err := send(); err != nil {
			return 0, err
		}
	}
	n, err := b.src.Read(p)
	if n > 0 {
		b.touch()
	}
	return n, err
}

func (b *clientBody) Close() error {
	return nil
}

// backendBody is the response body as written to the client. Before every
// read from the backend it flushes what was written so far, so the client
// sees each chunk as soon as the backend produced it.
type backendBody struct {
	src   *capture.Reader
	flush func() error
	touch func()
	err   error // first backend read error
}

func (b *backendBody) Read(p []byte) (int, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	n, err := b.src.Read(p)
	if n > 0 {
		b.touch()
	}
	return n, err
}

func (b *backendBody) Close() error {
	return b.src.Close()
}

// writerOnly hides any ReadFrom of the wrapped writer, so copies go through
// backendBody.Read chunk by chunk.
type writerOnly struct {
	io.Writer
}

func chunked(te []string) bool {
	return len(te) > 0 && te[0] == "chunked"
}

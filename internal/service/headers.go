package service

import (
	"context"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes hop-by-hop headers from h, including any header
// named in a Connection token.
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for token := range strings.SplitSeq(v, ",") {
			if token = textproto.TrimString(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, key := range hopHeaders {
		h.Del(key)
	}
}

// outboundRequest builds the request sent to the backend from the parsed
// client request. Method, target, Host and end-to-end headers are kept as
// sent; the body is replaced by body.
func outboundRequest(ctx context.Context, backend *url.URL, in *http.Request, body io.ReadCloser) *http.Request {
	out := in.Clone(ctx)
	out.RequestURI = ""
	out.Close = false
	out.Body = body

	out.URL.Scheme = backend.Scheme
	out.URL.Host = backend.Host
	out.URL.Path, out.URL.RawPath = joinPath(backend, in.URL)

	removeHopHeaders(out.Header)
	// The proxy answers Expect itself when the body is first read.
	out.Header.Del("Expect")

	// An absent User-Agent stays absent instead of becoming Go's default.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header["User-Agent"] = []string{""}
	}
	return out
}

// joinPath prefixes the request path with the backend base path, if any.
func joinPath(base, in *url.URL) (path, rawPath string) {
	if base.Path == "" || base.Path == "/" {
		return in.Path, in.RawPath
	}
	path = singleJoiningSlash(base.Path, in.Path)
	escaped := singleJoiningSlash(base.EscapedPath(), in.EscapedPath())
	if escaped == path {
		return path, ""
	}
	return path, escaped
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// expectsContinue reports whether the client is waiting for a 100 Continue
// before sending its body.
func expectsContinue(r *http.Request) bool {
	return r.ProtoAtLeast(1, 1) && r.Body != http.NoBody &&
		strings.EqualFold(r.Header.Get("Expect"), "100-continue")
}

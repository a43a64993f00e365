package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// hopHeaders are connection-scoped and never replayed from a snapshot.
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

// Snapshot is a fully buffered response. Body is read once from the network
// and treated as immutable afterwards, so any number of response views can be
// built over the same bytes.
type Snapshot struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

// Cacheable reports whether the snapshot may be written into a store. Only
// exact 200 responses qualify.
func (s Snapshot) Cacheable() bool {
	return s.Status == http.StatusOK
}

// Clone returns a copy that shares nothing mutable with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Header != nil {
		out.Header = s.Header.Clone()
	}
	if s.Body != nil {
		out.Body = bytes.Clone(s.Body)
	}
	return out
}

// Reader exposes a fresh reader over the body.
func (s Snapshot) Reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.Body))
}

// HTTPResponse builds an *http.Response view over the snapshot for callers
// that speak the client side of net/http.
func (s Snapshot) HTTPResponse(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          s.Reader(),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Serve replays the snapshot onto w as the answer to req. Hop-by-hop headers
// are dropped and Content-Length is recomputed from the buffered body, except
// for HEAD where the origin's length describes a body that was never sent.
func (s Snapshot) Serve(w http.ResponseWriter, req *http.Request) (int64, error) {
	dst := w.Header()
	for name, values := range s.Header {
		if isHopHeader(name) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	head := req != nil && req.Method == http.MethodHead
	if !head || len(s.Body) > 0 || dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(len(s.Body)))
	}
	status := s.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if head {
		return 0, nil
	}
	n, err := w.Write(s.Body)
	return int64(n), err
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

// StripHopHeaders removes connection-scoped headers from h in place.
func StripHopHeaders(h http.Header) {
	for _, field := range strings.Split(h.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			h.Del(field)
		}
	}
	for _, hop := range hopHeaders {
		h.Del(hop)
	}
}

// KeyFor derives the store key for req. Only GET requests have a key; the
// key is the escaped request URI (path plus raw query), the same form
// CanonicalKey produces for configured paths.
func KeyFor(req *http.Request) (string, bool) {
	if req == nil || req.URL == nil {
		return "", false
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return "", false
	}
	return req.URL.RequestURI(), true
}

// CanonicalKey turns a configured path such as a manifest entry into the key
// a request for it is stored under, so "/my icon.png" and "/my%20icon.png"
// name the same entry.
func CanonicalKey(path string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("cache: parse key %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("cache: key %q must be a path, not a URL", path)
	}
	ref.Fragment = ""
	return ref.RequestURI(), nil
}

package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

// ErrNoOrigin is returned when the fetcher has nowhere to send requests.
var ErrNoOrigin = errors.New("network: origin required")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Fetcher forwards intercepted requests to the origin and buffers each
// response body into a snapshot.
type Fetcher struct {
	origin *url.URL
	client httpDoer
}

// Options configures a Fetcher. A nil Client falls back to an http.Client
// with the given Timeout.
type Options struct {
	Origin  string
	Client  httpDoer
	Timeout time.Duration
}

func New(opts Options) (*Fetcher, error) {
	raw := strings.TrimSpace(opts.Origin)
	if raw == "" {
		return nil, ErrNoOrigin
	}
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("network: parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("network: origin %q must be absolute", raw)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{origin: origin, client: client}, nil
}

// Origin reports the base URL requests are resolved against.
func (f *Fetcher) Origin() string {
	return f.origin.String()
}

// Fetch sends req to the origin. HTTP error statuses come back as snapshots;
// only transport failures are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (cache.Snapshot, error) {
	if req == nil || req.URL == nil {
		return cache.Snapshot{}, errors.New("network: request required")
	}
	target := f.resolve(req.URL)

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("network: build request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	cache.StripHopHeaders(out.Header)
	// The transport negotiates compression itself and decodes the body, so a
	// snapshot never depends on what the first client happened to accept.
	out.Header.Del("Accept-Encoding")
	if body != nil {
		out.ContentLength = req.ContentLength
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("network: fetch %s: %w", target.RequestURI(), err)
	}
	payload, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("network: read %s: %w", target.RequestURI(), err)
	}
	if closeErr != nil {
		return cache.Snapshot{}, fmt.Errorf("network: close %s: %w", target.RequestURI(), closeErr)
	}

	header := resp.Header.Clone()
	cache.StripHopHeaders(header)
	return cache.Snapshot{
		URL:    req.URL.RequestURI(),
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// Get fetches path with a plain GET, the way install populates the store.
func (f *Fetcher) Get(ctx context.Context, path string) (cache.Snapshot, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("network: parse path %q: %w", path, err)
	}
	req := &http.Request{Method: http.MethodGet, URL: ref, Header: make(http.Header)}
	return f.Fetch(ctx, req)
}

func (f *Fetcher) resolve(u *url.URL) *url.URL {
	target := *f.origin
	basePath := strings.TrimSuffix(target.Path, "/")
	path := u.Path
	if path == "" {
		path = "/"
	}
	target.Path = basePath + path
	if u.RawPath != "" {
		target.RawPath = strings.TrimSuffix(f.origin.EscapedPath(), "/") + u.RawPath
	} else {
		target.RawPath = ""
	}
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// Package httputil provides shared HTTP utilities with connection pooling
// and safe response handling for the analysis stages.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MaxResponseSize is the default maximum size for reading HTTP response
// bodies. Fetched pages are attacker-controlled; unbounded reads are an OOM
// vector.
const MaxResponseSize = 5 * 1024 * 1024 // 5MB

// MaxRedirects bounds redirect chains when expanding shortened links.
const MaxRedirects = 10

// Shared transport with optimized connection pooling.
// Safe for concurrent use; reusing TCP connections matters because a single
// detection fetches the same host several times (structure, content,
// metadata stages).
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier defines standard timeout categories for different operation types.
type TimeoutTier int

const (
	// TierFast for quick lookups like IP geolocation (5s)
	TierFast TimeoutTier = iota
	// TierFetch for page and header fetches (10s)
	TierFetch
	// TierSlow for oracle calls that may take longer (30s)
	TierSlow
)

var timeoutDurations = map[TimeoutTier]time.Duration{
	TierFast:  5 * time.Second,
	TierFetch: 10 * time.Second,
	TierSlow:  30 * time.Second,
}

// Singleton clients for each timeout tier - initialized once, reused everywhere.
var (
	clientFast  *http.Client
	clientFetch *http.Client
	clientSlow  *http.Client
	clientOnce  sync.Once
)

func initClients() {
	clientFast = &http.Client{
		Timeout:   timeoutDurations[TierFast],
		Transport: sharedTransport,
	}
	clientFetch = &http.Client{
		Timeout:   timeoutDurations[TierFetch],
		Transport: sharedTransport,
	}
	clientSlow = &http.Client{
		Timeout:   timeoutDurations[TierSlow],
		Transport: sharedTransport,
	}
}

// Client returns a shared HTTP client for the given timeout tier.
// These clients share a connection pool and should be used instead of
// creating new http.Client instances per request.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierFast:
		return clientFast
	case TierFetch:
		return clientFetch
	case TierSlow:
		return clientSlow
	default:
		return clientFetch
	}
}

// FetchResult is the outcome of a bounded page fetch.
type FetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string // after redirects
	Redirects  int
	TLS        bool // final URL served over TLS
}

// Fetch performs a bounded GET with redirect counting. The returned body is
// capped at MaxResponseSize. Timeouts come from the supplied context on top
// of the tier client's own timeout.
func Fetch(ctx context.Context, rawURL, userAgent string) (*FetchResult, error) {
	redirects := 0
	client := &http.Client{
		Timeout:   timeoutDurations[TierFetch],
		Transport: sharedTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects = len(via)
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer DrainAndClose(resp.Body)

	body, err := ReadResponseBody(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}

	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	return &FetchResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		FinalURL:   final,
		Redirects:  redirects,
		TLS:        resp.TLS != nil || strings.HasPrefix(final, "https://"),
	}, nil
}

// IsTimeout reports whether err represents an exceeded deadline, either from
// the context or from the transport.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ReadResponseBody safely reads an HTTP response body with size limits.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// DrainAndClose properly drains and closes an HTTP response body.
// This ensures connection reuse in the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}

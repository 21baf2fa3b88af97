// Package netutil holds the outbound fetch plumbing shared by the blocklist
// refresher and the federation client: HTTP and Gopher downloads over a dialer
// that routes .onion hosts through a SOCKS5 proxy.
package netutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxBodyBytes caps every download.
const DefaultMaxBodyBytes = 10 << 20

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL or unsupported scheme).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("downloader: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// Downloader fetches remote resources.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// DirectDownloader downloads via a standard HTTP client.
type DirectDownloader struct {
	Client      *http.Client
	TimeoutFn   func() time.Duration
	UserAgentFn func() string
}

// NewDirectDownloader creates a downloader that pulls timeout/user-agent
// from callbacks on each request. A nil dialer uses the default transport.
func NewDirectDownloader(dialer *Dialer, timeoutFn func() time.Duration, userAgentFn func() string) *DirectDownloader {
	if timeoutFn == nil {
		panic("netutil: NewDirectDownloader requires non-nil timeoutFn")
	}
	if userAgentFn == nil {
		panic("netutil: NewDirectDownloader requires non-nil userAgentFn")
	}
	client := &http.Client{}
	if dialer != nil {
		client.Transport = &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return &DirectDownloader{
		Client:      client,
		TimeoutFn:   timeoutFn,
		UserAgentFn: userAgentFn,
	}
}

// Download fetches the URL and returns the response body.
func (d *DirectDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := withFallbackTimeout(ctx, d.TimeoutFn())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	if userAgent := d.UserAgentFn(); userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	return body, nil
}

// GopherDownloader fetches gopher:// URLs over raw TCP.
type GopherDownloader struct {
	Dialer    *Dialer
	TimeoutFn func() time.Duration
}

// Download decodes the URL per RFC 4266 (the first path segment character is
// the item type) and returns everything the server sends before closing.
func (g *GopherDownloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	if !strings.EqualFold(u.Scheme, "gopher") {
		return nil, &NonRetryableError{Err: fmt.Errorf("not a gopher url: %s", rawURL)}
	}
	host := u.Hostname()
	port := 70
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return nil, &NonRetryableError{Err: fmt.Errorf("invalid port %q", p)}
		}
	}

	timeout := time.Duration(0)
	if g.TimeoutFn != nil {
		timeout = g.TimeoutFn()
	}
	ctx, cancel := withFallbackTimeout(ctx, timeout)
	defer cancel()

	return GopherFetch(ctx, g.Dialer, host, port, SelectorFromURLPath(u.Path), DefaultMaxBodyBytes)
}

// SelectorFromURLPath strips the leading slash and item-type character from a
// gopher URL path ("/0/list.txt" -> "/list.txt").
func SelectorFromURLPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	if len(path) <= 1 {
		return ""
	}
	return path[1:]
}

// GopherFetch connects to host:port, sends selector + CRLF and reads until the
// server closes the connection or maxBytes is reached.
func GopherFetch(ctx context.Context, dialer *Dialer, host string, port int, selector string, maxBytes int64) ([]byte, error) {
	if dialer == nil {
		dialer = NewDialer(nil, 0)
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("gopher dial %s: %w", host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := io.WriteString(conn, selector+"\r\n"); err != nil {
		return nil, fmt.Errorf("gopher write %s: %w", host, err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(conn, maxBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("gopher read %s: %w", host, ctxErr)
		}
		return nil, fmt.Errorf("gopher read %s: %w", host, err)
	}
	return body, nil
}

// SchemeDownloader dispatches on URL scheme: http/https to HTTP, gopher to
// raw TCP.
type SchemeDownloader struct {
	HTTP   Downloader
	Gopher Downloader
}

// Download implements Downloader.
func (s *SchemeDownloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if s.HTTP == nil {
			return nil, &NonRetryableError{Err: fmt.Errorf("no http downloader configured")}
		}
		return s.HTTP.Download(ctx, rawURL)
	case "gopher":
		if s.Gopher == nil {
			return nil, &NonRetryableError{Err: fmt.Errorf("no gopher downloader configured")}
		}
		return s.Gopher.Download(ctx, rawURL)
	default:
		return nil, &NonRetryableError{Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

func withFallbackTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

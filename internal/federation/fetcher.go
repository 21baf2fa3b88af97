package federation

import (
	"context"

	"github.com/EntropyParadigm/pure-gopher/internal/netutil"
)

// Fetcher retrieves one Gopher selector from a peer.
type Fetcher interface {
	Fetch(ctx context.Context, host string, port int, selector string) ([]byte, error)
}

// GopherFetcher fetches over raw TCP, dialing .onion peers through the
// dialer's SOCKS5 proxy.
type GopherFetcher struct {
	Dialer   *netutil.Dialer
	MaxBytes int64
}

// Fetch implements Fetcher.
func (f *GopherFetcher) Fetch(ctx context.Context, host string, port int, selector string) ([]byte, error) {
	return netutil.GopherFetch(ctx, f.Dialer, host, port, selector, f.MaxBytes)
}

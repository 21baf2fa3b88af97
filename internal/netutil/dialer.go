package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ErrNoOnionRoute is returned when an .onion host is dialed without a SOCKS proxy.
var ErrNoOnionRoute = errors.New("onion address requires a socks proxy")

// Dialer dials clearnet hosts directly and .onion hosts through a SOCKS5
// proxy (normally the local Tor daemon).
type Dialer struct {
	direct *net.Dialer
	socks  proxy.ContextDialer
}

// NewDialer builds a Dialer. socks may be nil when no proxy is configured.
func NewDialer(socks proxy.ContextDialer, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dialer{
		direct: &net.Dialer{Timeout: timeout, KeepAlive: -1},
		socks:  socks,
	}
}

// NewSOCKSDialer builds a Dialer that routes .onion hosts via the SOCKS5
// proxy at socksAddr. An empty socksAddr yields a direct-only dialer.
func NewSOCKSDialer(socksAddr string, timeout time.Duration) (*Dialer, error) {
	d := NewDialer(nil, timeout)
	if socksAddr == "" {
		return d, nil
	}
	s, err := proxy.SOCKS5("tcp", socksAddr, nil, d.direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", socksAddr, err)
	}
	cd, ok := s.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 %s: dialer does not support contexts", socksAddr)
	}
	d.socks = cd
	return d, nil
}

// DialContext implements the net.Dialer-shaped hook used by http.Transport.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if IsOnion(host) {
		if d.socks == nil {
			return nil, fmt.Errorf("dial %s: %w", addr, ErrNoOnionRoute)
		}
		return d.socks.DialContext(ctx, network, addr)
	}
	return d.direct.DialContext(ctx, network, addr)
}

// IsOnion reports whether host is a Tor onion service name.
func IsOnion(host string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), ".onion")
}

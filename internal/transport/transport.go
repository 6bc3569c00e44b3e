// Package transport builds per-account HTTP clients: a Chrome-fingerprinted
// (utls) TLS dial for direct connections, or a SOCKS5/HTTP-CONNECT tunnel
// when the account carries a proxy, with an IPv4/IPv6 family preference
// applied ahead of either path.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/relaycore/apirelay/internal/account"
)

// Family is an IPv4/IPv6 dial preference, parsed from the spec's accepted
// spellings: true|false|4|6|"ipv4"|"ipv6"|"auto".
type Family int

const (
	FamilyAuto Family = iota
	FamilyIPv4
	FamilyIPv6
)

// ParseFamily accepts the spec's full set of spellings for a family
// preference, defaulting to FamilyIPv4 when raw is empty (IPv4 is the
// default family when unset).
func ParseFamily(raw string) Family {
	switch raw {
	case "", "true", "4", "ipv4":
		return FamilyIPv4
	case "false", "6", "ipv6":
		return FamilyIPv6
	case "auto":
		return FamilyAuto
	default:
		return FamilyIPv4
	}
}

func (f Family) network() string {
	switch f {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// Manager hands out an *http.Client per account, caching the underlying
// round-tripper by proxy configuration so repeated requests to the same
// proxy reuse connections.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	timeout time.Duration
	family  Family
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// NewManager builds a Manager with the given per-request timeout and
// dial family preference.
func NewManager(timeout time.Duration, family Family) *Manager {
	return &Manager{entries: make(map[string]*poolEntry), timeout: timeout, family: family}
}

// GetClient returns an http.Client for acct: direct utls+http2 dial when
// acct.Proxy is nil, or a CONNECT/SOCKS5 tunnel otherwise. An unrecognized
// proxy protocol falls back to a direct client, and a warning is logged
// when the round-tripper for that proxy configuration is built.
func (m *Manager) GetClient(acct *account.Account) *http.Client {
	return &http.Client{Transport: m.roundTripperFor(acct), Timeout: m.timeout}
}

// ProxyAgent implements the §4.6 contract directly: given a proxy record
// (nil allowed) it reports whether a dialer was produced, for callers that
// want to distinguish "direct" from "configured but unsupported protocol".
func ProxyAgent(p *account.Proxy) (supported bool) {
	if p == nil {
		return true
	}
	switch p.Protocol {
	case account.ProxyHTTP, account.ProxyHTTPS, account.ProxySocks5:
		return true
	default:
		return false
	}
}

func (m *Manager) roundTripperFor(acct *account.Account) http.RoundTripper {
	key := transportKey(acct)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := m.buildRoundTripper(acct)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// CloseIdle closes idle connections across every cached round-tripper
// older than idleTimeout. Callers may run this on a ticker; the manager
// itself starts no background goroutine.
func (m *Manager) CloseIdle(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

func transportKey(acct *account.Account) string {
	if acct.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", acct.Proxy.Protocol, acct.Proxy.Host, acct.Proxy.Port)
}

func (m *Manager) buildRoundTripper(acct *account.Account) http.RoundTripper {
	if acct.Proxy != nil && ProxyAgent(acct.Proxy) {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      m.proxyDialer(acct.Proxy),
		}
	}
	if acct.Proxy != nil {
		slog.Warn("unsupported proxy protocol, dialing directly", "accountId", acct.ID, "protocol", acct.Proxy.Protocol)
	}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return m.dialUTLSDirect(ctx, addr)
		},
	}
}

// --- direct dial: utls Chrome fingerprint over the preferred family ---

func (m *Manager) dialUTLSDirect(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, m.family.network(), addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host)
}

func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// --- proxy dial: SOCKS5 or HTTP CONNECT, then utls over the tunnel ---

func (m *Manager) proxyDialer(p *account.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if p.Protocol == account.ProxySocks5 {
		return m.socks5Dialer(p)
	}
	return m.httpConnectDialer(p)
}

func (m *Manager) socks5Dialer(p *account.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		var auth *proxy.Auth
		if p.Auth != nil && p.Auth.Username != "" {
			auth = &proxy.Auth{User: p.Auth.Username, Password: p.Auth.Password}
		}

		dialer, err := proxy.SOCKS5(m.family.network(), proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func (m *Manager) httpConnectDialer(p *account.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, m.family.network(), proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Auth != nil && p.Auth.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Auth.Username + ":" + p.Auth.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

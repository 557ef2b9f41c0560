// Package imageproxy fetches remote images on behalf of the browser so the
// comparison editor can load them without CORS or mixed-content issues.
package imageproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/validation"
)

const (
	DefaultMaxBytes = 10 << 20
	DefaultTimeout  = 10 * time.Second
	maxRedirects    = 3
	userAgent       = "ScreensplitImageProxy/1.0"
)

var (
	ErrInvalidURL     = errors.New("invalid image url")
	ErrHostNotAllowed = errors.New("host not allowed")
	ErrBlockedAddress = errors.New("destination address not allowed")
	ErrNotImage       = errors.New("upstream response is not an image")
	ErrTooLarge       = errors.New("image exceeds size limit")
	ErrUpstream       = errors.New("upstream request failed")
)

// blockedPrefixes are special-purpose ranges not covered by netip's
// IsPrivate/IsLoopback/IsLinkLocal helpers.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// Image is an upstream response ready to be streamed. Body yields at most
// MaxBytes and then fails with ErrTooLarge.
type Image struct {
	ContentType   string
	ContentLength int64
	Body          io.ReadCloser
}

type Proxy struct {
	client   *http.Client
	allowed  []string
	maxBytes int64
	blocked  func(netip.Addr) bool
	logger   zerolog.Logger
}

func New(cfg config.ImageProxyConfig, logger zerolog.Logger) *Proxy {
	p := &Proxy{
		maxBytes: cfg.MaxBytes,
		blocked:  IsBlockedAddr,
		logger:   logger.With().Str("component", "imageproxy").Logger(),
	}
	if p.maxBytes <= 0 {
		p.maxBytes = DefaultMaxBytes
	}
	for _, host := range cfg.AllowedHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			p.allowed = append(p.allowed, host)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: p.checkDial,
	}
	p.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       60 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w: too many redirects", ErrUpstream)
			}
			return p.checkURL(req.URL.String())
		},
	}
	return p
}

// Fetch validates rawURL and opens the upstream image. The caller must close
// the returned body.
func (p *Proxy) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	if err := p.checkURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrBlockedAddress):
			return nil, ErrBlockedAddress
		case errors.Is(err, ErrHostNotAllowed), errors.Is(err, ErrInvalidURL):
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		_ = resp.Body.Close()
		return nil, ErrNotImage
	}
	if resp.ContentLength > p.maxBytes {
		_ = resp.Body.Close()
		return nil, ErrTooLarge
	}

	return &Image{
		ContentType:   mediaType,
		ContentLength: resp.ContentLength,
		Body:          &limitedBody{rc: resp.Body, remaining: p.maxBytes},
	}, nil
}

func (p *Proxy) checkURL(rawURL string) error {
	u, err := validation.RemoteURL(rawURL, "url")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(p.allowed) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.allowed {
		if host == allowed {
			return nil
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return ErrHostNotAllowed
}

// checkDial runs after DNS resolution, so it sees the address actually dialed.
func (p *Proxy) checkDial(network, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if p.blocked(addrPort.Addr()) {
		p.logger.Warn().Str("address", address).Msg("blocked image proxy destination")
		return ErrBlockedAddress
	}
	return nil
}

// IsBlockedAddr reports whether addr is loopback, private, link-local,
// unspecified, multicast or in another special-purpose range.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(b []byte) (int, error) {
	if l.remaining <= 0 {
		// One byte past the limit distinguishes "exactly max" from "too big".
		var probe [1]byte
		n, err := l.rc.Read(probe[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(b)) > l.remaining {
		b = b[:l.remaining]
	}
	n, err := l.rc.Read(b)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedBody) Close() error {
	return l.rc.Close()
}

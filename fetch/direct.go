package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/andybalholm/brotli"
	tls2 "github.com/refraction-networking/utls"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps any single fetched body. The largest upstream bundles
// run ~4 MB; 16 MB leaves headroom.
const maxBodyBytes = 16 * 1024 * 1024

// DirectFetcher fetches over a plain connection with a Chrome TLS
// fingerprint, deliberately bypassing any configured proxy. Used in
// partial-proxy mode for unauthenticated CDN content, where routing through
// a metered proxy only burns bandwidth.
//
// Construct once per session with the cookies and user-agent mirrored from
// the browser context.
type DirectFetcher struct {
	client  *http.Client
	ua      string
	limiter *rate.Limiter
}

// NewDirect builds a DirectFetcher. surfaceURL anchors the cookie jar; each
// cookie's own Domain attribute still scopes it correctly.
func NewDirect(surfaceURL, userAgent string, cookies []*http.Cookie) (*DirectFetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("directfetch: cookie jar: %w", err)
	}
	if u, err := url.Parse(surfaceURL); err == nil && len(cookies) > 0 {
		jar.SetCookies(u, cookies)
	}

	transport := &http.Transport{
		DialTLSContext: dialTLSChrome,
	}

	return &DirectFetcher{
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		ua:      userAgent,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}, nil
}

// Fetch retrieves the URL. Responses with status >= 400 are errors carrying
// the status code in the message, so the error classifier can see e.g. a 429.
func (f *DirectFetcher) Fetch(ctx context.Context, targetURL string) ([]byte, http.Header, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("directfetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("directfetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("directfetch: HTTP %d for %s", resp.StatusCode, targetURL)
	}

	reader, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, nil, fmt.Errorf("directfetch: decode %s: %w", targetURL, err)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("directfetch: read body: %w", err)
	}
	return body, resp.Header, nil
}

// SetCookies installs session cookies harvested after the head navigation.
// The fetcher is built before the browser has cookies, so they arrive late.
func (f *DirectFetcher) SetCookies(surfaceURL string, cookies []*http.Cookie) {
	u, err := url.Parse(surfaceURL)
	if err != nil || len(cookies) == 0 {
		return
	}
	f.client.Jar.SetCookies(u, cookies)
}

// Close releases idle connections.
func (f *DirectFetcher) Close() {
	f.client.CloseIdleConnections()
}

// decodeBody unwraps the transfer encoding. Setting Accept-Encoding by hand
// disables Go's transparent gzip, so all three encodings are handled here.
func decodeBody(r io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(r)
	case "br":
		return brotli.NewReader(r), nil
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return r, nil
	}
}

// dialTLSChrome establishes a TLS connection using a Chrome fingerprint via
// utls, so direct fetches look like the browser they stand in for.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{
		ServerName: host,
	}, tls2.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

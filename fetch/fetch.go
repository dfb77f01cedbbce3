// Package fetch provides the session's two ways of retrieving script bodies:
// through the browser context (proxied, cookies attach automatically) or
// through a direct HTTP client that bypasses the upstream proxy. Both carry
// the same cookie jar and user-agent, so the surface sees one consistent
// client.
package fetch

import (
	"context"
	"net/http"
)

// Fetcher retrieves a URL's body. Implementations are safe for concurrent
// use; script fetches for one item run in parallel.
type Fetcher interface {
	// Fetch returns the response body (decoded) and headers.
	Fetch(ctx context.Context, url string) ([]byte, http.Header, error)

	// Close releases any held connections. Must be called on session exit,
	// error paths included.
	Close()
}

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-rod/rod"
)

// BrowserFetcher retrieves URLs from inside the browser context via the
// page's fetch API. Session cookies attach automatically and all traffic
// traverses whatever proxy the browser was launched with.
type BrowserFetcher struct {
	page    *rod.Page
	timeout time.Duration
}

// NewBrowser wraps an existing page. The page stays owned by the caller.
func NewBrowser(page *rod.Page, timeout time.Duration) *BrowserFetcher {
	return &BrowserFetcher{page: page, timeout: timeout}
}

const jsFetchText = `async (url) => {
	const r = await fetch(url, { credentials: "include" });
	if (!r.ok) throw new Error("HTTP " + r.status + " for " + url);
	return await r.text();
}`

const jsPostForm = `async (url, body, headers) => {
	const r = await fetch(url, {
		method: "POST",
		credentials: "include",
		headers: headers,
		body: body,
	});
	if (!r.ok) throw new Error("HTTP " + r.status + " for " + url);
	return await r.text();
}`

// Fetch retrieves a URL with the page's cookies. Header metadata is not
// observable from the JS fetch result, so the returned header set is empty.
func (b *BrowserFetcher) Fetch(ctx context.Context, url string) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := b.page.Context(ctx).Eval(jsFetchText, url)
	if err != nil {
		return nil, nil, fmt.Errorf("browserfetch: %s: %w", url, err)
	}
	return []byte(res.Value.Str()), http.Header{}, nil
}

// PostForm issues a POST from the browser context. Used for the tail-item
// RPC replay: the call rides the session cookies harvested by the head.
func (b *BrowserFetcher) PostForm(ctx context.Context, url, body string, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := b.page.Context(ctx).Eval(jsPostForm, url, body, headers)
	if err != nil {
		return nil, fmt.Errorf("browserfetch: POST %s: %w", url, err)
	}
	return []byte(res.Value.Str()), nil
}

// Close is a no-op; the page belongs to the session.
func (b *BrowserFetcher) Close() {}

package fetch

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// ScriptBody is the outcome of one gathered fetch.
type ScriptBody struct {
	URL    string
	Body   []byte
	Header http.Header
	Err    error
}

// GatherLimit bounds in-flight fetches within one gather. Creatives reference
// a handful of scripts; the limit only matters for pathological lookups.
const GatherLimit = 8

// Gather fetches all URLs in parallel and waits for the slowest. Results come
// back in input order. Per-URL failures are recorded, not propagated: one
// dead CDN edge must not sink the whole item.
func Gather(ctx context.Context, f Fetcher, urls []string, perFetch time.Duration) []ScriptBody {
	out := make([]ScriptBody, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(GatherLimit)

	for i, u := range urls {
		i, u := i, u
		out[i].URL = u
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, perFetch)
			defer cancel()
			out[i].Body, out[i].Header, out[i].Err = f.Fetch(fctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

package scraper

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/adwatch/harvester/cache"
	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/fetch"
	"github.com/adwatch/harvester/metrics"
	"github.com/adwatch/harvester/traffic"
)

// configToProto maps human-readable config strings to Rod protocol resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Script":     proto.NetworkResourceTypeScript,
}

type routeAction int

const (
	actionPass routeAction = iota
	actionBlock
	actionCacheScript
	actionCaptureRPC
)

// routeRules is the pure decision table applied to every intercepted request.
// Order: blocked resource types, tracker domains, cacheable script bundles,
// transparency RPCs, pass-through.
type routeRules struct {
	blockedTypes    map[proto.NetworkResourceType]struct{}
	trackerPatterns []string
	cachePatterns   []string
	lookupPath      string
	searchPath      string
}

func newRouteRules(cfg config.ScraperConfig) routeRules {
	blocked := make(map[proto.NetworkResourceType]struct{}, len(cfg.BlockedResourceTypes))
	for _, name := range cfg.BlockedResourceTypes {
		if rt, ok := configToProto[name]; ok {
			blocked[rt] = struct{}{}
		}
	}
	return routeRules{
		blockedTypes:    blocked,
		trackerPatterns: cfg.TrackerPatterns,
		cachePatterns:   cfg.CacheableScriptPatterns,
		lookupPath:      cfg.LookupPath,
		searchPath:      cfg.SearchPath,
	}
}

func (r routeRules) decide(rawURL string, resourceType proto.NetworkResourceType) routeAction {
	if _, blocked := r.blockedTypes[resourceType]; blocked {
		return actionBlock
	}
	for _, p := range r.trackerPatterns {
		if strings.Contains(rawURL, p) {
			return actionBlock
		}
	}
	if resourceType == proto.NetworkResourceTypeScript {
		for _, p := range r.cachePatterns {
			if strings.Contains(rawURL, p) {
				return actionCacheScript
			}
		}
	}
	if strings.Contains(rawURL, r.lookupPath) || strings.Contains(rawURL, r.searchPath) {
		return actionCaptureRPC
	}
	return actionPass
}

// CacheStats counts what the interceptor did with cacheable scripts during
// one phase of a session.
type CacheStats struct {
	Hits       int
	Misses     int
	BytesSaved int64
}

// interceptor routes a page's requests through the decision table, serving
// cacheable bundles out of the store and capturing RPC bodies for the
// extractor. One instance per session.
type interceptor struct {
	rules   routeRules
	store   *cache.Store
	tracker *traffic.Tracker

	// direct is non-nil in partial-proxy mode: cache misses are fetched over
	// a plain connection instead of riding the browser's proxied loader.
	direct *fetch.DirectFetcher

	// loader carries the browser's proxy configuration, for the requests
	// rod re-issues out-of-band via LoadResponse.
	loader *http.Client

	mu     sync.Mutex
	stats  CacheStats
	totals CacheStats
}

func newInterceptor(rules routeRules, store *cache.Store, tracker *traffic.Tracker, direct *fetch.DirectFetcher, loader *http.Client) *interceptor {
	if loader == nil {
		loader = http.DefaultClient
	}
	return &interceptor{rules: rules, store: store, tracker: tracker, direct: direct, loader: loader}
}

// mount installs the interceptor on a page before navigation and returns the
// running router so the caller can defer router.Stop().
func (ic *interceptor) mount(page *rod.Page) *rod.HijackRouter {
	router := page.HijackRequests()
	_ = router.Add("*", "", ic.handle)
	// router.Run() blocks until router.Stop().
	go router.Run()
	return router
}

func (ic *interceptor) handle(hctx *rod.Hijack) {
	u := hctx.Request.URL().String()
	switch ic.rules.decide(u, hctx.Request.Type()) {
	case actionBlock:
		ic.tracker.RecordBlocked(u)
		hctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	case actionCacheScript:
		ic.serveScript(hctx, u)
	case actionCaptureRPC:
		ic.captureRPC(hctx, u)
	default:
		hctx.ContinueRequest(&proto.FetchContinueRequest{})
	}
}

// serveScript answers a cacheable bundle request: cache hit from the store,
// miss via the direct client (partial-proxy) or the proxied loader, with the
// fetched body written back to the cache either way.
func (ic *interceptor) serveScript(hctx *rod.Hijack, u string) {
	ic.tracker.RecordRequest("Script", 0)

	if body, meta, ok := ic.store.Load(u); ok {
		ic.count(func(s *CacheStats) {
			s.Hits++
			s.BytesSaved += int64(len(body))
		})
		metrics.CacheHits.Inc()
		metrics.BytesSaved.Add(float64(len(body)))
		ic.tracker.AddScriptResponse(u, body)
		ic.respond(hctx, body, meta.ContentType)
		return
	}
	ic.count(func(s *CacheStats) { s.Misses++ })
	metrics.CacheMisses.Inc()

	if ic.direct != nil {
		body, hdr, err := ic.direct.Fetch(context.Background(), u)
		if err == nil {
			ic.recordScript(u, body, hdr)
			ic.respond(hctx, body, hdr.Get("Content-Type"))
			return
		}
		// Fall back to the proxied path; the direct route can be blocked
		// while the proxied one still works.
		ic.tracker.RecordFailure(u, "direct", err.Error())
	}

	if err := hctx.LoadResponse(ic.loader, true); err != nil {
		ic.tracker.RecordFailure(u, "script", err.Error())
		hctx.Response.Fail(proto.NetworkErrorReasonConnectionFailed)
		return
	}
	body := []byte(hctx.Response.Body())
	ic.recordScript(u, body, hctx.Response.Headers())
}

func (ic *interceptor) captureRPC(hctx *rod.Hijack, u string) {
	ic.tracker.RecordRequest("XHR", len(hctx.Request.Body()))
	if err := hctx.LoadResponse(ic.loader, true); err != nil {
		ic.tracker.RecordFailure(u, "rpc", err.Error())
		hctx.Response.Fail(proto.NetworkErrorReasonConnectionFailed)
		return
	}
	body := []byte(hctx.Response.Body())
	ic.tracker.RecordResponse("XHR", len(body))
	ic.tracker.AddAPIResponse(u, body)
}

func (ic *interceptor) recordScript(u string, body []byte, hdr http.Header) {
	ic.tracker.RecordResponse("Script", len(body))
	ic.tracker.AddScriptResponse(u, body)
	if err := ic.store.Save(u, body, hdr); err != nil {
		ic.tracker.RecordFailure(u, "cache", err.Error())
	}
}

func (ic *interceptor) respond(hctx *rod.Hijack, body []byte, contentType string) {
	if contentType == "" {
		contentType = "text/javascript"
	}
	hctx.Response.SetHeader("Content-Type", contentType)
	hctx.Response.SetBody(string(body))
}

func (ic *interceptor) count(fn func(*CacheStats)) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	fn(&ic.stats)
	fn(&ic.totals)
}

// Stats snapshots the current phase's cache counters.
func (ic *interceptor) Stats() CacheStats {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.stats
}

// Totals snapshots the whole session's cache counters; ResetStats does not
// touch these.
func (ic *interceptor) Totals() CacheStats {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.totals
}

// ResetStats zeroes the phase counters. Called between the head navigation
// and the tail replay so the two phases report separately.
func (ic *interceptor) ResetStats() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.stats = CacheStats{}
}

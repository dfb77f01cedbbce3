// Package scraper drives a headless browser against the ad-transparency
// surface. One Session handles one claimed batch: a full page load for the
// head entry, then lightweight RPC replay for the tail, all behind a request
// interceptor that blocks dead weight and serves big bundles from cache.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/adwatch/harvester/cache"
	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/extract"
	"github.com/adwatch/harvester/fetch"
	"github.com/adwatch/harvester/models"
	"github.com/adwatch/harvester/proxy"
	"github.com/adwatch/harvester/traffic"
)

// Factory stamps out per-batch sessions over a shared environment: one cache
// store, one scraper config, one RPC shape for the whole fleet.
type Factory struct {
	Browser config.BrowserConfig
	Scraper config.ScraperConfig
	Store   *cache.Store
	Shape   RPCShape
	Log     *slog.Logger

	mu     sync.Mutex
	totals CacheStats
}

func (f *Factory) addStats(s CacheStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals.Hits += s.Hits
	f.totals.Misses += s.Misses
	f.totals.BytesSaved += s.BytesSaved
}

// CacheTotals reports cache activity summed over every session this factory
// built, for the end-of-run summary.
func (f *Factory) CacheTotals() CacheStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals
}

// New builds a session for one batch. creds nil runs without a proxy;
// partial routes anonymous CDN fetches around it.
func (f *Factory) New(creds *proxy.Credentials, partial bool) *Session {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		browser: f.Browser,
		cfg:     f.Scraper,
		store:   f.Store,
		shape:   f.Shape,
		creds:   creds,
		partial: partial,
		log:     log,
		record:  f.addStats,
		waiter:  newSmartWaiter(f.Scraper.LookupPath, f.Scraper.SearchPath, f.Scraper.PageLoadTimeout),
	}
}

// Session scrapes one batch with one browser instance. Not reusable.
type Session struct {
	browser config.BrowserConfig
	cfg     config.ScraperConfig
	store   *cache.Store
	shape   RPCShape
	creds   *proxy.Credentials
	partial bool
	log     *slog.Logger
	record  func(CacheStats)
	waiter  smartWaiter
}

// Run processes the batch and always returns exactly len(batch) results in
// input order. Entries the session never reached come back flagged for
// requeue; a head failure aborts the batch but strands nothing.
func (s *Session) Run(ctx context.Context, batch []models.ClaimedEntry) (results []models.ItemResult) {
	results = make([]models.ItemResult, len(batch))
	for i := range batch {
		results[i] = models.UnprocessedResult(batch[i], "session ended early")
	}
	if len(batch) == 0 {
		return results
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	head := batch[0]
	log := s.log.With("head_creative", head.CreativeID, "batch_size", len(batch))

	page, cleanup, err := s.openBrowser()
	if err != nil {
		results[0] = models.ErrorResult(head, err.Error())
		fillUnprocessed(results, batch, 1, results[0].Error)
		return results
	}
	defer cleanup()

	ua := randomUserAgent()
	if err := (proto.NetworkSetUserAgentOverride{UserAgent: ua}).Call(page); err != nil {
		log.Warn("user-agent override failed", "error", err)
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		log.Warn("stealth injection failed", "error", err)
	}

	tracker := traffic.NewTracker()

	var direct *fetch.DirectFetcher
	if s.partial {
		direct, err = fetch.NewDirect(s.cfg.Surface, ua, nil)
		if err != nil {
			log.Warn("direct fetcher unavailable, session runs fully proxied", "error", err)
			direct = nil
		} else {
			defer direct.Close()
		}
	}

	ic := newInterceptor(newRouteRules(s.cfg), s.store, tracker, direct, s.loaderClient())
	router := ic.mount(page)
	defer router.Stop()
	if s.record != nil {
		defer func() { s.record(ic.Totals()) }()
	}

	// Head: full navigation establishes cookies and warms the cache.
	headURL := creativeURL(s.cfg.Surface, head.AdvertiserID, head.CreativeID)
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.PageLoadTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(headURL); err != nil {
		results[0] = models.ErrorResult(head, "navigation failed: "+err.Error())
		fillUnprocessed(results, batch, 1, results[0].Error)
		return results
	}
	_ = page.Context(navCtx).WaitDOMStable(300*time.Millisecond, 0.1)

	outcome, lookup := s.waiter.wait(navCtx, tracker, head.CreativeID)
	switch outcome {
	case waitBadAd:
		results[0] = models.ErrorResult(head, "Creative not found in API - broken/deleted creative page")
		fillUnprocessed(results, batch, 1, results[0].Error)
		return results
	case waitEmptyKnown:
		r := models.ErrorResult(head, "empty lookup response for a creative the search RPC still lists")
		r.Requeue = true
		results[0] = r
		fillUnprocessed(results, batch, 1, results[0].Error)
		return results
	case waitTimedOut:
		results[0] = models.ErrorResult(head,
			fmt.Sprintf("Timeout: creative content not complete within %s", s.cfg.PageLoadTimeout))
		fillUnprocessed(results, batch, 1, results[0].Error)
		return results
	}

	results[0] = s.evaluate(head, lookup, tracker.ScriptResponses())
	headStats := ic.Stats()
	log.Info("head processed",
		"outcome", outcome.String(),
		"success", results[0].Success,
		"cache_hits", headStats.Hits,
		"cache_misses", headStats.Misses,
		"bytes_saved", headStats.BytesSaved)
	ic.ResetStats()

	// The head's session cookies carry the tail.
	if direct != nil {
		direct.SetCookies(s.cfg.Surface, harvestCookies(page))
	}

	rpcFetcher := fetch.NewBrowser(page, s.cfg.ScriptFetchTimeout)
	var scriptFetcher fetch.Fetcher = rpcFetcher
	if direct != nil {
		scriptFetcher = direct
	}

	for i := 1; i < len(batch); i++ {
		if ctx.Err() != nil {
			fillUnprocessed(results, batch, i, "shutdown requested")
			break
		}
		results[i] = s.scrapeTail(ctx, rpcFetcher, scriptFetcher, batch[i])
	}

	snap := tracker.Snapshot()
	tailStats := ic.Stats()
	log.Info("session finished",
		"tail_cache_hits", tailStats.Hits,
		"request_bytes", snap.RequestBytes,
		"response_bytes", snap.ResponseBytes,
		"blocked", snap.BlockedCount,
		"failed_requests", snap.Failed)
	return results
}

// scrapeTail handles one non-head entry: replay the lookup RPC through the
// live page (riding the head's cookies), then gather the declared script
// bodies in parallel.
func (s *Session) scrapeTail(ctx context.Context, rpc *fetch.BrowserFetcher, scripts fetch.Fetcher, entry models.ClaimedEntry) models.ItemResult {
	reqBody, err := s.shape.LookupBody(entry.AdvertiserID, entry.CreativeID)
	if err != nil {
		return models.ErrorResult(entry, err.Error())
	}
	lookupURL := s.cfg.Surface + s.cfg.LookupPath
	referer := creativeURL(s.cfg.Surface, entry.AdvertiserID, entry.CreativeID)

	raw, err := rpc.PostForm(ctx, lookupURL, reqBody, s.shape.LookupHeaders(s.cfg.Surface, referer))
	if err != nil {
		return models.ErrorResult(entry, "lookup replay failed: "+err.Error())
	}

	lookup := traffic.ParseAPIResponse(lookupURL, raw)
	if extract.LookupIsEmpty(lookup) {
		return models.ErrorResult(entry, "Creative not found in API - broken/deleted creative page")
	}

	urls := extract.ScriptURLsFromLookup(lookup)
	gathered := fetch.Gather(ctx, scripts, urls, s.cfg.ScriptFetchTimeout)

	var captured []traffic.ScriptResponse
	var firstErr error
	for _, g := range gathered {
		if g.Err != nil {
			if firstErr == nil {
				firstErr = g.Err
			}
			continue
		}
		captured = append(captured, traffic.ScriptResponse{URL: g.URL, Body: string(g.Body)})
	}
	if len(urls) > 0 && len(captured) == 0 {
		msg := fmt.Sprintf("Expected %d script bodies but none received", len(urls))
		if firstErr != nil {
			msg += ": " + firstErr.Error()
		}
		return models.ErrorResult(entry, msg)
	}

	return s.evaluate(entry, lookup, captured)
}

// evaluate runs extraction and validation over one creative's payloads.
func (s *Session) evaluate(entry models.ClaimedEntry, lookup traffic.APIResponse, scripts []traffic.ScriptResponse) models.ItemResult {
	s.dump(entry.CreativeID, lookup, scripts)

	res := extract.Extract(extract.Input{
		Lookup:       lookup,
		Scripts:      scripts,
		FundedByPath: s.shape.FundedByPath,
	})
	verdict := extract.Validate(extract.ExpectedFletchIDs(lookup), scripts, res)
	if !verdict.Success {
		return models.ErrorResult(entry, verdict.FirstError())
	}
	r := verdict.Result
	return models.SuccessResult(entry, r.VideoIDs, r.AppStoreID, r.FundedBy, r.RealCreativeID, r.Method)
}

// openBrowser launches a dedicated browser for this session with the stealth
// flag set and the session proxy, if any.
func (s *Session) openBrowser() (*rod.Page, func(), error) {
	l := launcher.New().
		Headless(s.browser.Headless).
		NoSandbox(s.browser.NoSandbox)

	if s.browser.BrowserBin != "" {
		l = l.Bin(s.browser.BrowserBin)
	}
	if s.creds != nil {
		l = l.Proxy(s.creds.ServerURL())
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, models.NewPipelineError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, models.NewPipelineError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	if s.creds != nil && s.creds.Username != "" {
		handleAuth := browser.HandleAuth(s.creds.Username, s.creds.Password)
		go func() { _ = handleAuth() }()
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, nil, models.NewPipelineError(models.ErrCodeBrowserCrash, "failed to open page", err)
	}

	cleanup := func() {
		_ = page.Close()
		_ = browser.Close()
		l.Kill()
	}
	return page, cleanup, nil
}

// loaderClient is the HTTP client rod uses for requests it re-issues
// out-of-band; it must honor the same proxy as the browser.
func (s *Session) loaderClient() *http.Client {
	if s.creds == nil {
		return http.DefaultClient
	}
	proxyURL := &url.URL{Scheme: "http", Host: s.creds.ServerURL()}
	if s.creds.Username != "" {
		proxyURL.User = url.UserPassword(s.creds.Username, s.creds.Password)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   60 * time.Second,
	}
}

func creativeURL(surface, advertiserID, creativeID string) string {
	return fmt.Sprintf("%s/advertiser/%s/creative/%s",
		strings.TrimRight(surface, "/"), advertiserID, creativeID)
}

func harvestCookies(page *rod.Page) []*http.Cookie {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return out
}

// fillUnprocessed marks every entry from index on as never reached. The cause
// is the head result's error text, so requeued rows record why the batch died.
func fillUnprocessed(results []models.ItemResult, batch []models.ClaimedEntry, from int, cause string) {
	for i := from; i < len(batch); i++ {
		results[i] = models.UnprocessedResult(batch[i], cause)
	}
}

package scraper

import (
	"context"
	"strings"
	"time"

	"github.com/adwatch/harvester/extract"
	"github.com/adwatch/harvester/traffic"
)

type waitOutcome int

const (
	// waitContentReady: lookup captured and every declared script body arrived.
	waitContentReady waitOutcome = iota
	// waitStatic: lookup describes a static-cached creative; no scripts coming.
	waitStatic
	// waitEmptyKnown: lookup empty but the search RPC still lists the
	// creative. Transient; the caller should retry, not bury the row.
	waitEmptyKnown
	// waitBadAd: lookup empty and the search RPC does not know the creative.
	waitBadAd
	// waitTimedOut: the deadline passed first.
	waitTimedOut
)

func (o waitOutcome) String() string {
	switch o {
	case waitContentReady:
		return "ready"
	case waitStatic:
		return "static"
	case waitEmptyKnown:
		return "empty_known"
	case waitBadAd:
		return "bad_ad"
	default:
		return "timeout"
	}
}

// smartWaiter polls captured traffic until the page has yielded everything
// extraction needs, instead of sleeping a fixed interval. An empty lookup is
// cross-checked against the search RPC before the creative is declared dead.
type smartWaiter struct {
	lookupPath string
	searchPath string
	timeout    time.Duration
	poll       time.Duration
	// searchGrace bounds the extra wait for the search RPC after an empty
	// lookup; the two requests race and search usually lands later.
	searchGrace time.Duration
}

func newSmartWaiter(lookupPath, searchPath string, timeout time.Duration) smartWaiter {
	return smartWaiter{
		lookupPath:  lookupPath,
		searchPath:  searchPath,
		timeout:     timeout,
		poll:        500 * time.Millisecond,
		searchGrace: 3 * time.Second,
	}
}

// wait blocks until one of the outcomes holds. The returned APIResponse is
// the captured lookup body (zero value on timeout before capture).
func (w smartWaiter) wait(ctx context.Context, tr *traffic.Tracker, creativeID string) (waitOutcome, traffic.APIResponse) {
	deadline := time.Now().Add(w.timeout)
	var lookup traffic.APIResponse
	for {
		if lu, ok := lastRPC(tr, w.lookupPath); ok {
			lookup = lu
			if extract.LookupIsEmpty(lu) {
				return w.crossCheck(ctx, tr, creativeID), lu
			}
			if _, static := extract.DetectStatic(lu); static {
				return waitStatic, lu
			}
			if scriptsComplete(extract.ExpectedFletchIDs(lu), tr.ScriptURLs()) {
				return waitContentReady, lu
			}
		}
		if time.Now().After(deadline) {
			return waitTimedOut, lookup
		}
		select {
		case <-ctx.Done():
			return waitTimedOut, lookup
		case <-time.After(w.poll):
		}
	}
}

// crossCheck distinguishes a dead creative from a flaky empty response: only
// a search RPC that omits the creative confirms bad_ad.
func (w smartWaiter) crossCheck(ctx context.Context, tr *traffic.Tracker, creativeID string) waitOutcome {
	deadline := time.Now().Add(w.searchGrace)
	for {
		if search, ok := lastRPC(tr, w.searchPath); ok {
			if extract.SearchContains(search, creativeID) {
				return waitEmptyKnown
			}
			return waitBadAd
		}
		if time.Now().After(deadline) {
			return waitBadAd
		}
		select {
		case <-ctx.Done():
			return waitBadAd
		case <-time.After(w.poll):
		}
	}
}

// lastRPC returns the most recent captured RPC whose URL contains the path.
func lastRPC(tr *traffic.Tracker, path string) (traffic.APIResponse, bool) {
	responses := tr.APIResponses()
	for i := len(responses) - 1; i >= 0; i-- {
		if strings.Contains(responses[i].URL, path) {
			return responses[i], true
		}
	}
	return traffic.APIResponse{}, false
}

// scriptsComplete reports whether every declared fletch-render token has a
// captured script body. A lookup that declares none completes immediately;
// the validator owns the final artifact verdict.
func scriptsComplete(expected []string, captured []string) bool {
	for _, id := range expected {
		found := false
		for _, u := range captured {
			if got, ok := extract.FletchRenderID(u); ok && got == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

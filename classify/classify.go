// Package classify maps raw error messages to a retry decision. Rules are an
// ordered list of (matcher, kind, category); the first match wins.
package classify

import (
	"regexp"
	"strings"
)

// Category decides what the worker writes back to the queue row.
type Category string

const (
	// CategoryRetry returns the row to pending with an annotated message.
	CategoryRetry Category = "retry"
	// CategoryBadAd marks a deleted/expired creative; never retried.
	CategoryBadAd Category = "bad_ad"
	// CategoryFailed marks a permanent failure.
	CategoryFailed Category = "failed"
)

// Verdict is the classification of one error message.
type Verdict struct {
	Retry    bool
	Kind     string
	Category Category
}

type rule struct {
	match    func(string) bool
	kind     string
	category Category
}

// networkIndicators are substrings of transient network conditions: browser
// net errors, Go/OS socket errors, and the incomplete-artifact message the
// validator emits when no script bodies arrived.
var networkIndicators = []string{
	"ERR_PROXY_CONNECTION_FAILED",
	"ERR_EMPTY_RESPONSE",
	"ERR_CONNECTION_RESET",
	"ERR_TIMED_OUT",
	"ERR_CONNECTION_CLOSED",
	"ERR_CONNECTION_REFUSED",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"TimeoutError",
	"Timeout",
	"BrokenPipeError",
	"socket hang up",
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"script bodies but none received",
	"context deadline exceeded",
}

// rateLimitPattern matches 429 as a whole word only, so an ID like "1429"
// never classifies as a rate limit.
var rateLimitPattern = regexp.MustCompile(`\b429\b`)

var rules = []rule{
	{
		match: func(msg string) bool {
			for _, ind := range networkIndicators {
				if strings.Contains(msg, ind) {
					return true
				}
			}
			return false
		},
		kind:     "Network/Timeout",
		category: CategoryRetry,
	},
	{
		match:    func(msg string) bool { return strings.Contains(msg, "Creative not found in API") },
		kind:     "CreativeMissing",
		category: CategoryBadAd,
	},
	{
		// Host-side browser trouble, not a property of the creative.
		match:    func(msg string) bool { return strings.Contains(msg, "BROWSER_CRASH") },
		kind:     "Browser",
		category: CategoryRetry,
	},
	{
		match:    rateLimitPattern.MatchString,
		kind:     "RateLimit",
		category: CategoryRetry,
	},
}

// Classify evaluates the rules in order against a raw error message.
// Unmatched messages are permanent failures.
func Classify(msg string) Verdict {
	for _, r := range rules {
		if r.match(msg) {
			return Verdict{
				Retry:    r.category == CategoryRetry,
				Kind:     r.kind,
				Category: r.category,
			}
		}
	}
	return Verdict{Retry: false, Kind: "Failed", Category: CategoryFailed}
}

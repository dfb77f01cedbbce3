package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		retry    bool
		kind     string
		category Category
	}{
		{
			name:     "browser proxy failure",
			msg:      "page.Navigate: net::ERR_PROXY_CONNECTION_FAILED",
			retry:    true,
			kind:     "Network/Timeout",
			category: CategoryRetry,
		},
		{
			name:     "socket hang up",
			msg:      "fetch https://cdn/x.js: socket hang up",
			retry:    true,
			kind:     "Network/Timeout",
			category: CategoryRetry,
		},
		{
			name:     "go timeout",
			msg:      "context deadline exceeded",
			retry:    true,
			kind:     "Network/Timeout",
			category: CategoryRetry,
		},
		{
			name:     "missing script bodies",
			msg:      "Expected 3 script bodies but none received",
			retry:    true,
			kind:     "Network/Timeout",
			category: CategoryRetry,
		},
		{
			name:     "deleted creative",
			msg:      "Creative not found in API - broken/deleted creative page",
			retry:    false,
			kind:     "CreativeMissing",
			category: CategoryBadAd,
		},
		{
			name:     "browser crash retries",
			msg:      "BROWSER_CRASH: failed to launch browser: exec: chromium: not found",
			retry:    true,
			kind:     "Browser",
			category: CategoryRetry,
		},
		{
			name:     "rate limit whole word",
			msg:      "upstream returned HTTP 429",
			retry:    true,
			kind:     "RateLimit",
			category: CategoryRetry,
		},
		{
			name:     "429 inside larger number is not a rate limit",
			msg:      "unexpected creative id 1429331",
			retry:    false,
			kind:     "Failed",
			category: CategoryFailed,
		},
		{
			name:     "unknown error is permanent",
			msg:      "invalid character 'x' looking for beginning of value",
			retry:    false,
			kind:     "Failed",
			category: CategoryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.msg)
			assert.Equal(t, tt.retry, v.Retry)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.category, v.Category)
		})
	}
}

func TestClassify_RuleOrder(t *testing.T) {
	// A network indicator wins over a rate-limit indicator in the same message.
	v := Classify("HTTP 429 then ECONNRESET while retrying")
	assert.Equal(t, "Network/Timeout", v.Kind)
}

// Package extract recovers creative facts (video IDs, app-store IDs, funding
// disclosures, the real creative ID) from captured RPC and script bodies.
// Every operation is a pure function over its inputs.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/adwatch/harvester/traffic"
)

// Extraction methods recorded on the result.
const (
	MethodAPI       = "api"
	MethodFrequency = "frequency"
	MethodStatic    = "static"
)

var (
	// fletchRenderPattern matches the numeric token linking an API-declared
	// creative asset to a script-body URL.
	fletchRenderPattern = regexp.MustCompile(`fletch-render-(\d+)`)

	// realCreativeIDPattern matches the 12-digit creative token. \b keeps it
	// from matching inside longer digit runs such as advertiser IDs.
	realCreativeIDPattern = regexp.MustCompile(`\b(\d{12})\b`)

	// videoIDPatterns match the 11-char video token next to known context
	// markers, never bare (a bare 11-char match is overwhelmingly noise).
	videoIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:watch\?v=|youtu\.be/|ytimg\.com/vi/)([A-Za-z0-9_-]{11})`),
		regexp.MustCompile(`"videoId"\s*:\s*"([A-Za-z0-9_-]{11})"`),
		regexp.MustCompile(`video_id=([A-Za-z0-9_-]{11})`),
	}

	// appStorePatterns match 9-10 digit app-store identifiers adjacent to
	// itunes/appstore URLs or product schemas.
	appStorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:itunes|apps)\.apple\.com/[^"'\s\\]*?id(\d{9,10})\b`),
		regexp.MustCompile(`itms-apps://[^"'\s\\]*?id(\d{9,10})\b`),
		regexp.MustCompile(`"productID"\s*:\s*"?(\d{9,10})\b`),
	}

	imageURLPattern = regexp.MustCompile(`^https?://\S+\.(?:png|jpe?g|gif|webp)(?:\?\S*)?$`)

	fundedByPrefixes = []string{"Paid for by ", "Funded by "}
)

// Input carries everything one creative's extraction needs.
type Input struct {
	// Lookup is the captured GetCreativeById response for this creative.
	Lookup traffic.APIResponse

	// Scripts are the captured script bodies for this creative.
	Scripts []traffic.ScriptResponse

	// FundedByPath is the adapter-supplied dotted numeric path of the funding
	// disclosure field inside the lookup response.
	FundedByPath string
}

// Result is the extractor's output record.
type Result struct {
	VideoIDs          []string
	AppStoreID        string
	FundedBy          string
	RealCreativeID    string
	Method            string
	Static            bool
	StaticImageURL    string
	ExtractionSuccess bool
}

// Extract runs the full extraction pipeline over one creative's payloads.
// The real creative ID is taken API-first; the frequency fallback runs only
// when the API yields nothing.
func Extract(in Input) Result {
	var res Result

	if id, ok := RealCreativeID(in.Lookup.Raw); ok {
		res.RealCreativeID = id
		res.Method = MethodAPI
	} else if id, ok := FrequencyFallbackID(scriptURLs(in.Scripts)); ok {
		res.RealCreativeID = id
		res.Method = MethodFrequency
	}

	if info, ok := DetectStatic(in.Lookup); ok {
		res.Static = true
		res.StaticImageURL = info.ImageURL
		res.Method = MethodStatic
	}

	expected := toSet(ExpectedFletchIDs(in.Lookup))
	res.VideoIDs = VideoIDs(in.Scripts, expected)
	res.AppStoreID = AppStoreID(in.Scripts, expected)
	if res.AppStoreID == "" {
		// Static and app-install creatives sometimes carry the store ID in
		// the lookup body itself.
		res.AppStoreID = firstMatch(appStorePatterns, in.Lookup.Raw)
	}
	res.FundedBy = FundedBy(in.Lookup, in.FundedByPath)

	res.ExtractionSuccess = res.HasArtifacts()
	return res
}

// HasArtifacts reports whether extraction recovered anything worth keeping:
// at least one video, an app-store ID, or a static classification. A result
// without artifacts must never complete a queue row.
func (r Result) HasArtifacts() bool {
	return len(r.VideoIDs) > 0 || r.AppStoreID != "" || r.Static
}

// FletchRenderID extracts the fletch-render token from a script URL.
func FletchRenderID(url string) (string, bool) {
	m := fletchRenderPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExpectedFletchIDs enumerates every fletch-render token the lookup response
// declares, deduplicated in first-seen order. These are the script bodies
// that belong to the creative; anything else is a decoy co-tenant.
func ExpectedFletchIDs(lookup traffic.APIResponse) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range fletchRenderPattern.FindAllStringSubmatch(lookup.Raw, -1) {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// scriptURLPattern matches a full script-body URL carrying a fletch-render
// token. Applied to parsed string leaves, where JSON escapes are already
// resolved.
var scriptURLPattern = regexp.MustCompile(`https?://[^\s"'\\]*fletch-render-\d+[^\s"'\\]*`)

// ScriptURLsFromLookup enumerates the script-body URLs a lookup response
// references, deduplicated in first-seen order.
func ScriptURLsFromLookup(lookup traffic.APIResponse) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, leaf := range StringLeaves(lookup.JSON) {
		for _, m := range scriptURLPattern.FindAllString(leaf, -1) {
			add(m)
		}
	}
	if len(out) == 0 {
		for _, m := range scriptURLPattern.FindAllString(lookup.Raw, -1) {
			add(m)
		}
	}
	return out
}

// LookupIsEmpty reports whether a GetCreativeById response names no creative.
func LookupIsEmpty(lookup traffic.APIResponse) bool {
	if strings.TrimSpace(lookup.Raw) == "" {
		return true
	}
	return len(lookup.JSON) == 0
}

// SearchContains reports whether a SearchCreatives response references the
// given creative. Used as the cross-check before classifying bad_ad.
func SearchContains(search traffic.APIResponse, creativeID string) bool {
	return creativeID != "" && strings.Contains(search.Raw, creativeID)
}

// VideoIDs scans script bodies for video tokens. When expected is non-empty,
// only scripts whose fletch-render ID belongs to the expected set contribute,
// filtering out decoy co-tenants served by the same surface.
func VideoIDs(scripts []traffic.ScriptResponse, expected map[string]struct{}) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sr := range scripts {
		if !belongs(sr.URL, expected) {
			continue
		}
		for _, p := range videoIDPatterns {
			for _, m := range p.FindAllStringSubmatch(sr.Body, -1) {
				if _, dup := seen[m[1]]; dup {
					continue
				}
				seen[m[1]] = struct{}{}
				out = append(out, m[1])
			}
		}
	}
	return out
}

// AppStoreID scans script bodies for an app-store identifier, with the same
// fletch-render decoy filter as VideoIDs. First match wins.
func AppStoreID(scripts []traffic.ScriptResponse, expected map[string]struct{}) string {
	for _, sr := range scripts {
		if !belongs(sr.URL, expected) {
			continue
		}
		if id := firstMatch(appStorePatterns, sr.Body); id != "" {
			return id
		}
	}
	return ""
}

// RealCreativeID recovers the 12-digit creative token from the lookup body.
func RealCreativeID(lookupRaw string) (string, bool) {
	m := realCreativeIDPattern.FindStringSubmatch(lookupRaw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FrequencyFallbackID picks the most frequent 12-digit token across the
// captured script URLs. Ties resolve to the first seen.
func FrequencyFallbackID(urls []string) (string, bool) {
	counts := make(map[string]int)
	var order []string
	for _, u := range urls {
		for _, m := range realCreativeIDPattern.FindAllStringSubmatch(u, -1) {
			if counts[m[1]] == 0 {
				order = append(order, m[1])
			}
			counts[m[1]]++
		}
	}
	best := ""
	for _, id := range order {
		if best == "" || counts[id] > counts[best] {
			best = id
		}
	}
	return best, best != ""
}

// FundedBy extracts the funding disclosure. The adapter path is consulted
// first; otherwise string leaves carrying a known disclosure prefix are used.
func FundedBy(lookup traffic.APIResponse, path string) string {
	if path != "" {
		if v, ok := FieldByPath(lookup.JSON, path); ok {
			return v
		}
	}
	for _, leaf := range StringLeaves(lookup.JSON) {
		for _, prefix := range fundedByPrefixes {
			if strings.HasPrefix(leaf, prefix) {
				return leaf
			}
		}
	}
	return ""
}

// StaticInfo describes a static-cached creative.
type StaticInfo struct {
	ImageURL string
}

// DetectStatic classifies a lookup response as a static-cached creative: an
// image or plain-HTML ad with an embedded cached URL and no dynamic script
// body required.
func DetectStatic(lookup traffic.APIResponse) (StaticInfo, bool) {
	if strings.Contains(lookup.Raw, "fletch-render-") {
		return StaticInfo{}, false
	}
	for _, leaf := range StringLeaves(lookup.JSON) {
		if imageURLPattern.MatchString(leaf) {
			return StaticInfo{ImageURL: leaf}, true
		}
		if strings.Contains(leaf, "<img") || strings.Contains(leaf, "<IMG") {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(leaf))
			if err != nil {
				continue
			}
			if doc.Find("script").Length() > 0 {
				continue
			}
			if src, ok := doc.Find("img").First().Attr("src"); ok {
				return StaticInfo{ImageURL: src}, true
			}
		}
	}
	return StaticInfo{}, false
}

// FieldByPath traverses a parsed JSON object by a dotted key path such as
// "1.9.2". Array indexes are not supported; the RPC shape nests objects only.
func FieldByPath(obj map[string]any, dotted string) (string, bool) {
	cur := any(obj)
	for _, key := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok && s != ""
}

// StringLeaves collects every string leaf of a parsed JSON value in
// depth-first order.
func StringLeaves(v any) []string {
	var out []string
	var walk func(any)
	walk = func(node any) {
		switch n := node.(type) {
		case string:
			out = append(out, n)
		case map[string]any:
			for _, k := range sortedKeys(n) {
				walk(n[k])
			}
		case []any:
			for _, item := range n {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}

// sortedKeys gives deterministic traversal over the numeric-keyed
// protobuf-style JSON objects the RPC returns.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func belongs(url string, expected map[string]struct{}) bool {
	if len(expected) == 0 {
		return true
	}
	id, ok := FletchRenderID(url)
	if !ok {
		return false
	}
	_, member := expected[id]
	return member
}

func scriptURLs(scripts []traffic.ScriptResponse) []string {
	out := make([]string, len(scripts))
	for i, sr := range scripts {
		out[i] = sr.URL
	}
	return out
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

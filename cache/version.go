package cache

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNoVersion is returned when a URL carries no extractable version segment.
// Persisting such a URL is refused: without a version suffix the artifact
// could never be invalidated on an upstream bundle change.
var ErrNoVersion = errors.New("cache: no version segment in URL path")

// SplitVersioned derives the cache identity from a URL. The filename is the
// last path segment; the version token is the path segment immediately
// preceding it. No prefix matching is involved, so arbitrary parent-segment
// naming works:
//
//	https://host/ads/b20260815/main_ad_bundle.js → ("main_ad_bundle.js", "b20260815")
//
// Both tokens are sanitized for filesystem use.
func SplitVersioned(rawURL string) (filename, version string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) < 2 {
		return "", "", ErrNoVersion
	}

	filename = sanitize(segments[len(segments)-1])
	version = sanitize(segments[len(segments)-2])
	if filename == "" || version == "" {
		return "", "", ErrNoVersion
	}
	return filename, version, nil
}

// diskName is the on-disk body filename for an artifact.
func diskName(filename, version string) string {
	return filename + "_v_" + version
}

// sanitize restricts a path segment to characters safe for filenames.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

package cache

import (
	"net/url"
	"strings"
)

// normalizeURL returns the map key for raw and whether raw is usable.
//
// HTTP-family keys are rebuilt from the parsed URL with the scheme and host
// lowercased and the fragment dropped. data:, file: and custom schemes keep
// the raw string, fragment included, since such resources may legitimately
// differ only by fragment.
func normalizeURL(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	if !isHTTPFamily(u.Scheme) {
		return raw, true
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment, u.RawFragment = "", ""
	return u.String(), true
}

func isHTTPFamily(scheme string) bool {
	return strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")
}

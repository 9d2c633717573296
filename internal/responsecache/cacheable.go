package responsecache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheableStatuses is the set of response statuses eligible for
// caching, mirroring the heuristically cacheable statuses of RFC 9110.
var cacheableStatuses = map[int]struct{}{
	http.StatusOK:                   {},
	http.StatusNonAuthoritativeInfo: {},
	http.StatusMultipleChoices:      {},
	http.StatusMovedPermanently:     {},
	http.StatusFound:                {},
	http.StatusNotModified:          {},
	http.StatusTemporaryRedirect:    {},
	http.StatusPermanentRedirect:    {},
}

// IsCacheable reports whether a response may be stored: safe method,
// cacheable status, and no prohibitive Cache-Control directive.
func IsCacheable(method string, statusCode int, cacheControl string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
	default:
		return false
	}

	if _, ok := cacheableStatuses[statusCode]; !ok {
		return false
	}

	cc := strings.ToLower(cacheControl)
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}

	return true
}

// TTLFromCacheControl derives the storage TTL from a max-age directive,
// falling back to the given default.
func TTLFromCacheControl(cacheControl string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || seconds <= 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

// Package responsecache stores serialized backend responses keyed by a
// deterministic digest of method, path, query and selected request
// headers, with pattern-tagged invalidation.
package responsecache

import (
	"crypto/md5" //nolint:gosec // cache key fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// DefaultVaryHeaders is the allowlist of request headers that
// participate in the cache key. Keying on every header would fragment
// the cache to a near-zero hit rate.
var DefaultVaryHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

// ComputeKey builds the deterministic cache key for a request.
//
// Query parameters and vary header values are serialized with sorted
// keys before hashing, so semantically identical requests with
// differently-ordered query strings collide to the same key.
func ComputeKey(method, path string, query url.Values, varyValues map[string]string) string {
	var b strings.Builder
	b.WriteString("response:")
	b.WriteString(strings.ToUpper(method))
	b.WriteString(":")
	b.WriteString(path)

	if len(query) > 0 {
		b.WriteString(":")
		b.WriteString(canonicalDigest(query))
	}

	if len(varyValues) > 0 {
		b.WriteString(":")
		b.WriteString(canonicalDigest(varyValues))
	}

	return b.String()
}

// KeyForRequest computes the cache key using the vary allowlist.
func KeyForRequest(r *http.Request, varyHeaders []string) string {
	return ComputeKey(r.Method, r.URL.Path, r.URL.Query(), VaryValues(r.Header, varyHeaders))
}

// VaryValues extracts the present vary headers from a request header set.
func VaryValues(header http.Header, varyHeaders []string) map[string]string {
	values := make(map[string]string, len(varyHeaders))
	for _, name := range varyHeaders {
		if v := header.Get(name); v != "" {
			values[name] = v
		}
	}
	return values
}

// canonicalDigest hashes a canonical sorted-key JSON serialization.
// encoding/json sorts map keys, which provides the canonical ordering.
func canonicalDigest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data) //nolint:gosec // see package note above
	return hex.EncodeToString(sum[:])
}

// Package urlutil provides URL manipulation utilities for stream links.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeWS    = "ws"
	SchemeWSS   = "wss"
)

// DefaultManifestName is appended to streaming directory URLs that lack an
// explicit manifest file.
const DefaultManifestName = "playlist.m3u8"

const (
	manifestExt      = ".m3u8"
	streamingSegment = "/hls/"
)

// progressiveExts are single-file container extensions.
var progressiveExts = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
}

// urlPath returns the path component of u without query or fragment.
// Unparseable input is treated as a bare path.
func urlPath(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			return u[:i]
		}
		return u
	}
	return parsed.Path
}

// IsProgressivePath reports whether u names a single-file media resource.
func IsProgressivePath(u string) bool {
	return progressiveExts[strings.ToLower(path.Ext(urlPath(u)))]
}

// IsStreamingManifest reports whether u denotes a segmented streaming
// resource: the path ends in a manifest extension or contains a conventional
// streaming directory segment. Progressive file paths never qualify.
func IsStreamingManifest(u string) bool {
	p := urlPath(u)
	if progressiveExts[strings.ToLower(path.Ext(p))] {
		return false
	}
	if strings.HasSuffix(strings.ToLower(p), manifestExt) {
		return true
	}
	return strings.Contains(p+"/", streamingSegment)
}

// FormatHLSURL ensures a streaming URL names its manifest. URLs that already
// name a manifest are returned re-encoded; streaming directory URLs get
// DefaultManifestName appended before the query string. Anything else is
// returned unchanged. Empty input yields an empty string.
//
// Examples:
//
//	"https://cdn/x/hls/abc"        -> "https://cdn/x/hls/abc/playlist.m3u8"
//	"https://cdn/x/hls/abc/?t=1"   -> "https://cdn/x/hls/abc/playlist.m3u8?t=1"
//	"https://cdn/x/out.mp4"        -> "https://cdn/x/out.mp4"
//	"https://cdn/x/hls/out.mp4"    -> "https://cdn/x/hls/out.mp4"
func FormatHLSURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}

	if strings.Contains(u, manifestExt) {
		parsed, err := url.Parse(u)
		if err != nil {
			return u
		}
		return parsed.String()
	}

	if IsProgressivePath(u) {
		return u
	}
	if !strings.Contains(u, streamingSegment) && !strings.HasSuffix(u, strings.TrimSuffix(streamingSegment, "/")) {
		return u
	}

	base, query := u, ""
	if i := strings.Index(u, "?"); i >= 0 {
		base, query = u[:i], u[i:]
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + DefaultManifestName + query
}

// sensitiveParams are query parameter names masked by ObfuscateURL.
var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization",
	"credential", "credentials",
	"x-amz-signature", "x-amz-credential", "x-amz-security-token",
}

// ObfuscateURL returns a URL string with sensitive query parameters masked.
// Unparseable input is returned unchanged.
func ObfuscateURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsed.User != nil {
		parsed.User = url.User(parsed.User.Username())
	}
	if parsed.RawQuery == "" {
		return parsed.String()
	}

	query := parsed.Query()
	for name := range query {
		for _, param := range sensitiveParams {
			if strings.EqualFold(name, param) {
				query.Set(name, "***")
			}
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// ObfuscateSecret masks all but the last four characters of a secret.
func ObfuscateSecret(secret string) string {
	const visible = 4
	if len(secret) <= visible {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-visible) + secret[len(secret)-visible:]
}

// ValidateURL checks that u is an absolute http(s) URL.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL must include a host")
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https)", parsed.Scheme)
	}
}

// ValidateEndpoint checks that u is an absolute ws(s) URL.
func ValidateEndpoint(u string) error {
	if u == "" {
		return fmt.Errorf("endpoint is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid endpoint format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeWS, SchemeWSS:
		if parsed.Host == "" {
			return fmt.Errorf("endpoint must include a host")
		}
		return nil
	default:
		return fmt.Errorf("unsupported endpoint scheme: %q (supported: ws, wss)", parsed.Scheme)
	}
}

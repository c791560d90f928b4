// Package youtube recognizes video pages and extracts video identifiers.
package youtube

import (
	"net/url"
	"strings"
)

// IsVideoPage reports whether rawURL is a YouTube watch page.
func IsVideoPage(rawURL string) bool {
	return strings.Contains(rawURL, "youtube.com/watch")
}

// IsYouTube reports whether rawURL is served by youtube.com or one of its subdomains.
func IsYouTube(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// ExtractVideoID returns the v parameter of a watch page, or "" when there is none.
func ExtractVideoID(rawURL string) string {
	if !IsVideoPage(rawURL) {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("v")
}

// Normalize reduces a full URL, a youtu.be short link or an id with trailing parameters
// (e.g. "aircAruvnKk&t=10s") to the bare id.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		if u, err := url.Parse(s); err == nil {
			if v := u.Query().Get("v"); v != "" {
				return v
			}
			if strings.HasSuffix(u.Host, "youtu.be") && u.Path != "" {
				return strings.TrimPrefix(u.Path, "/")
			}
		}
	}
	s, _, _ = strings.Cut(s, "&")
	s, _, _ = strings.Cut(s, "?")
	return s
}

// WatchURL is the canonical watch page of id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}

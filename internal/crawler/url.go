package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL produces the key used to recognize a page URL that was already
// dispatched. Scheme and host are lowercased, default ports and fragments are
// dropped, and query parameters are sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ImageExt returns the file extension of an image URL's path, ignoring any
// query string. The original extension is kept as-is, including its case.
func ImageExt(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return path.Ext(rawURL)
	}
	return path.Ext(u.Path)
}

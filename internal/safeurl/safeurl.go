package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid absolute URL with scheme http or
// https. Used to reject file://, ftp://, and other schemes that could lead to
// SSRF or local file access through the relay's url parameter.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

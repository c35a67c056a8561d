// Package rewrite transforms playlist manifests so every media or
// sub-playlist reference resolves back through the relay. Comment, tag and
// blank lines pass through byte-identical; only reference lines are touched.
package rewrite

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/iptvrelay/iptv-relay/internal/classify"
)

// dupSlashes collapses accidental "//" runs in a path while leaving the
// scheme separator ("http://") alone.
var dupSlashes = regexp.MustCompile(`([^:]/)/+`)

// Rewriter rewrites manifest reference lines to point at the relay.
type Rewriter struct {
	// ProxyBase is the relay's public base URL, no trailing slash
	// (e.g. "http://relay.local:8080").
	ProxyBase string
	// ForceHTTPS upgrades http:// targets to https:// before wrapping.
	// Off by default: forcing breaks origins that only serve plain HTTP.
	ForceHTTPS bool
}

// Rewrite returns text with every reference line replaced by a
// "{ProxyBase}/relay?url=..." link. sourceURL anchors relative references.
// Lines that cannot be resolved are passed through unchanged rather than
// dropped, and references already pointing at the relay host are left alone
// so rewriting is idempotent.
func (rw *Rewriter) Rewrite(text, sourceURL string) string {
	src, err := url.Parse(sourceURL)
	if err != nil || src.Host == "" {
		return text
	}
	proxyHost := ""
	if pu, err := url.Parse(rw.ProxyBase); err == nil {
		proxyHost = pu.Host
	}
	base := strings.TrimRight(rw.ProxyBase, "/")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || !isReference(trimmed) {
			out = append(out, line)
			continue
		}
		resolved, ok := resolveReference(trimmed, src)
		if !ok {
			out = append(out, line)
			continue
		}
		if proxyHost != "" && sameHost(resolved, proxyHost) {
			// Already routed through us; second pass must not double-wrap.
			out = append(out, line)
			continue
		}
		if rw.ForceHTTPS && strings.HasPrefix(resolved, "http://") {
			resolved = "https://" + strings.TrimPrefix(resolved, "http://")
		}
		out = append(out, base+"/relay?url="+url.QueryEscape(resolved))
	}
	return strings.Join(out, "\n")
}

// isReference reports whether a non-comment line names a media segment or
// sub-manifest. First matching extension token decides.
func isReference(line string) bool {
	if strings.Contains(line, classify.ManifestExtension) {
		return true
	}
	for _, ext := range classify.SegmentExtensions {
		if strings.Contains(line, ext) {
			return true
		}
	}
	return false
}

// resolveReference turns a manifest reference into an absolute upstream URL.
func resolveReference(ref string, src *url.URL) (string, bool) {
	var resolved string
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		resolved = ref
	case strings.HasPrefix(ref, "/"):
		resolved = src.Scheme + "://" + src.Host + ref
	default:
		dir := src.Path
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i+1]
		} else {
			dir = "/"
		}
		resolved = src.Scheme + "://" + src.Host + dir + ref
	}
	resolved = dupSlashes.ReplaceAllString(resolved, "$1")
	if _, err := url.Parse(resolved); err != nil {
		return "", false
	}
	return resolved, true
}

func sameHost(rawURL, host string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Host == host
}

// Package classify maps a target URL (and optionally a sniffed content
// prefix) to the coarse resource kind the relay uses to pick a handling path.
// Rules live in an ordered table; first match wins, so classification is a
// pure function of (url, sample) and unit-testable without I/O.
package classify

import (
	"bytes"
	"net/url"
	"strings"
)

// Kind is the coarse resource type of an upstream target.
type Kind string

const (
	KindChannelList  Kind = "channel_list"
	KindPlaylist     Kind = "playlist"
	KindMediaSegment Kind = "media_segment"
	KindOpaque       Kind = "opaque"
)

// SniffBytes is how much of the body is needed to disambiguate a target
// that could be either a playlist or a raw media stream.
const SniffBytes = 2048

// PlaylistMagic is the mandatory first line of an extended manifest.
const PlaylistMagic = "#EXTM3U"

// PlaylistTagMarker appears in every extended-manifest tag line.
const PlaylistTagMarker = "#EXT-X-"

// ManifestExtension is the path suffix of a sub-playlist or manifest.
const ManifestExtension = ".m3u8"

// SegmentExtensions are path suffixes of finite media segments or files the
// relay streams without rewriting.
var SegmentExtensions = []string{".ts", ".mp4", ".m4s", ".aac", ".mp3", ".mkv", ".avi", ".flv"}

// streamPathSegments mark single-channel live/VOD paths on Xtream-style
// providers (…/live/user/pass/123.ts etc).
var streamPathSegments = []string{"/live/", "/movie/", "/series/"}

// Result is a classification verdict plus the rule that produced it, for logs.
type Result struct {
	Kind Kind
	Rule string
}

type rule struct {
	name  string
	kind  Kind
	match func(u *url.URL, raw string, sample []byte) bool
}

// rules is evaluated in order; first match wins. Order matters: the channel
// list marker must beat the numeric-tail heuristic, and explicit playlist
// evidence must beat segment extensions.
var rules = []rule{
	{"channel-list-marker", KindChannelList, matchChannelList},
	{"playlist-extension", KindPlaylist, func(u *url.URL, raw string, sample []byte) bool {
		return strings.HasSuffix(u.Path, ManifestExtension)
	}},
	{"playlist-magic", KindPlaylist, func(u *url.URL, raw string, sample []byte) bool {
		return len(sample) > 0 && bytes.HasPrefix(bytes.TrimLeft(sample, " \t\r\n"), []byte(PlaylistMagic))
	}},
	{"playlist-ext-tag", KindPlaylist, func(u *url.URL, raw string, sample []byte) bool {
		return len(sample) > 0 && bytes.Contains(sample, []byte(PlaylistTagMarker))
	}},
	{"segment-extension", KindMediaSegment, func(u *url.URL, raw string, sample []byte) bool {
		return hasSegmentExtension(u.Path)
	}},
	{"numeric-tail", KindMediaSegment, func(u *url.URL, raw string, sample []byte) bool {
		return isNumericTail(u.Path)
	}},
	{"stream-path-segment", KindMediaSegment, func(u *url.URL, raw string, sample []byte) bool {
		return hasStreamPathSegment(u.Path)
	}},
}

// Classify returns the verdict for rawURL. sample may be nil; when it is nil
// and the URL alone is ambiguous (see NeedsSniff), the caller is expected to
// fetch a bounded prefix and classify again.
func Classify(rawURL string, sample []byte) Result {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Result{Kind: KindOpaque, Rule: "unparsable"}
	}
	for _, r := range rules {
		if r.match(u, rawURL, sample) {
			return Result{Kind: r.kind, Rule: r.name}
		}
	}
	return Result{Kind: KindOpaque, Rule: "default"}
}

// NeedsSniff reports whether rawURL is structurally ambiguous between a
// playlist and a raw media stream. Xtream live channel URLs end in a bare
// numeric ID and may serve either an HLS playlist or a raw MPEG-TS stream;
// only the body can tell them apart.
func NeedsSniff(rawURL string) bool {
	res := Classify(rawURL, nil)
	return res.Rule == "numeric-tail" || res.Rule == "stream-path-segment"
}

// HasPlaylistMarkers reports whether body looks like an extended manifest.
// Used by the relay to verify a URL-based playlist verdict before rewriting.
func HasPlaylistMarkers(body []byte) bool {
	return bytes.Contains(body, []byte(PlaylistMagic)) || bytes.Contains(body, []byte(PlaylistTagMarker))
}

func matchChannelList(u *url.URL, raw string, sample []byte) bool {
	if !strings.Contains(u.Path, "get.php") {
		return false
	}
	typ := u.Query().Get("type")
	if !strings.HasPrefix(typ, "m3u") {
		return false
	}
	// A listing endpoint never looks like a single-item stream path.
	return !isNumericTail(u.Path) && !hasStreamPathSegment(u.Path)
}

func hasSegmentExtension(path string) bool {
	for _, ext := range SegmentExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func isNumericTail(path string) bool {
	path = strings.TrimSuffix(path, "/")
	last := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		last = path[i+1:]
	}
	if last == "" {
		return false
	}
	for _, c := range last {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func hasStreamPathSegment(path string) bool {
	for _, seg := range streamPathSegments {
		if strings.Contains(path, seg) {
			return true
		}
	}
	return false
}

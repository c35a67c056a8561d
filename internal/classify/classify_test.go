package classify

import "testing"

func TestClassify_table(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		sample string
		want   Kind
		rule   string
	}{
		{"channel list get.php", "http://prov:8080/get.php?username=u&password=p&type=m3u_plus", "", KindChannelList, "channel-list-marker"},
		{"channel list plain m3u", "http://prov/get.php?type=m3u", "", KindChannelList, "channel-list-marker"},
		{"get.php without type is not a listing", "http://prov/get.php?username=u", "", KindOpaque, "default"},
		{"m3u8 extension", "http://origin/path/index.m3u8", "", KindPlaylist, "playlist-extension"},
		{"m3u8 with query", "http://origin/chunks.m3u8?token=abc", "", KindPlaylist, "playlist-extension"},
		{"sample magic", "http://origin/live/u/p/42", "#EXTM3U\n#EXT-X-VERSION:3\n", KindPlaylist, "playlist-magic"},
		{"sample ext tag mid-body", "http://origin/live/u/p/42", "junk\n#EXT-X-TARGETDURATION:6\n", KindPlaylist, "playlist-ext-tag"},
		{"ts segment", "http://origin/path/segment1.ts", "", KindMediaSegment, "segment-extension"},
		{"mp4 file", "http://origin/movie/u/p/film.mp4", "", KindMediaSegment, "segment-extension"},
		{"numeric channel id", "http://origin/u/p/123456", "", KindMediaSegment, "numeric-tail"},
		{"live path segment", "http://origin/live/u/p/abc", "", KindMediaSegment, "stream-path-segment"},
		{"series path segment", "http://origin/series/u/p/ep1", "", KindMediaSegment, "stream-path-segment"},
		{"image is opaque", "http://origin/logo.png", "", KindOpaque, "default"},
		{"garbage url", "://no-scheme", "", KindOpaque, "unparsable"},
		{"relative url", "/just/a/path.ts", "", KindOpaque, "unparsable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.url, []byte(tc.sample))
			if got.Kind != tc.want {
				t.Errorf("kind = %q, want %q", got.Kind, tc.want)
			}
			if got.Rule != tc.rule {
				t.Errorf("rule = %q, want %q", got.Rule, tc.rule)
			}
		})
	}
}

func TestClassify_deterministic(t *testing.T) {
	url := "http://origin/live/u/p/42"
	sample := []byte("#EXTM3U\n")
	first := Classify(url, sample)
	for i := 0; i < 100; i++ {
		if got := Classify(url, sample); got != first {
			t.Fatalf("call %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestClassify_sampleBeatsStreamPath(t *testing.T) {
	// A live-path URL whose body proves playlist must classify as playlist.
	got := Classify("http://origin/live/u/p/7", []byte("#EXTM3U\n#EXTINF:6,\nseg.ts\n"))
	if got.Kind != KindPlaylist {
		t.Fatalf("kind = %q, want playlist", got.Kind)
	}
}

func TestNeedsSniff(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"http://origin/live/u/p/42", true},
		{"http://origin/u/p/123", true},
		{"http://origin/path/index.m3u8", false},
		{"http://origin/path/seg.ts", false},
		{"http://prov/get.php?type=m3u", false},
		{"http://origin/logo.png", false},
	}
	for _, tc := range cases {
		if got := NeedsSniff(tc.url); got != tc.want {
			t.Errorf("NeedsSniff(%q) = %t, want %t", tc.url, got, tc.want)
		}
	}
}

func TestHasPlaylistMarkers(t *testing.T) {
	if !HasPlaylistMarkers([]byte("#EXTM3U\n#EXTINF:...")) {
		t.Error("magic line not recognized")
	}
	if !HasPlaylistMarkers([]byte("garbage\n#EXT-X-KEY:METHOD=NONE\n")) {
		t.Error("ext tag not recognized")
	}
	if HasPlaylistMarkers([]byte{0x47, 0x40, 0x00, 0x10}) {
		t.Error("TS packet bytes misdetected as playlist")
	}
}

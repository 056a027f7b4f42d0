package normalize

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"retweet marker and url", "RT @x: check https://a.b/c  now!!", "check now!!"},
		{"bare retweet marker", "RT hello world", "hello world"},
		{"stacked retweet markers", "RT RT @x: hi", "hi"},
		{"retweet marker after leading space", "  RT @x: hi", "hi"},
		{"html entities", "a &lt;b&gt; c &amp; d", "a <b> c & d"},
		{"double-escaped entities", "&amp;lt;tag&amp;gt;", "<tag>"},
		{"newlines collapse", "line one\n\nline two\t end ", "line one line two end"},
		{"url mid-sentence", "see http://example.com/path?q=1 for more", "see for more"},
		{"plain text untouched", "nothing to do here", "nothing to do here"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			if got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"RT @someone: big news https://t.co/abc123",
		"plain text",
		"spaces   and\nnewlines",
		"a &lt;tag&gt; &amp; more",
		"RT RT @x: hi",
		"RT  RT @a: RT @b: nested",
		"&amp;lt;tag&amp;gt;",
		"&amp;amp;amp; escaped all the way down",
		" \t RT @x: leading whitespace before the marker",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash("hello")
	b := ContentHash("hello")
	if a != b {
		t.Fatalf("hash not stable: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if ContentHash("hello") == ContentHash("goodbye") {
		t.Fatal("distinct inputs produced identical hashes")
	}

	// Equal normalized text hashes equally regardless of raw form.
	x := ContentHash(Normalize("RT @a: hi  there"))
	y := ContentHash(Normalize("hi there"))
	if x != y {
		t.Fatalf("normalized-equal inputs hashed differently: %s != %s", x, y)
	}
}

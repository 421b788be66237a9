package forwarder

import "testing"

func TestBlacklistWordBoundaries(t *testing.T) {
	f := NewFilter([]string{"#spam", "promo"}, ModeBlacklist, false)

	tests := []struct {
		text string
		pass bool
	}{
		{"great promotion", true}, // no word-boundary match on "promo"
		{"free promo today", false},
		{"PROMO!", false}, // case-insensitive, punctuation is a boundary
		{"this is #spam", false},
		{"this is #spammy", true}, // hashtag must end at whitespace
		{"spam without hash", true},
		{"", true}, // empty text passes a blacklist
		{"#spam", false},
	}

	for _, tt := range tests {
		if got := f.Pass(tt.text); got != tt.pass {
			t.Errorf("Pass(%q) = %v, want %v", tt.text, got, tt.pass)
		}
	}
}

func TestWhitelist(t *testing.T) {
	f := NewFilter([]string{"golang", "#news"}, ModeWhitelist, false)

	tests := []struct {
		text string
		pass bool
	}{
		{"golang 1.24 released", true},
		{"#news of the day", true},
		{"unrelated post", false},
		{"golang-adjacent", true}, // '-' is a word boundary
		{"", false},               // empty text fails a whitelist
	}

	for _, tt := range tests {
		if got := f.Pass(tt.text); got != tt.pass {
			t.Errorf("Pass(%q) = %v, want %v", tt.text, got, tt.pass)
		}
	}
}

func TestCaseSensitiveFilter(t *testing.T) {
	f := NewFilter([]string{"Promo"}, ModeBlacklist, true)

	if f.Pass("big Promo here") {
		t.Error("exact-case match must block")
	}
	if !f.Pass("big promo here") {
		t.Error("different case must pass when case-sensitive")
	}
}

func TestEmptyFilter(t *testing.T) {
	black := NewFilter(nil, ModeBlacklist, false)
	if !black.Empty() || !black.Pass("anything") {
		t.Error("empty blacklist must pass everything")
	}

	white := NewFilter(nil, ModeWhitelist, false)
	if white.Pass("anything") {
		t.Error("empty whitelist must block everything")
	}
}

func TestRegexMetaCharactersAreLiteral(t *testing.T) {
	// A keyword with regex metacharacters must not blow up compilation or
	// act as a pattern: "a.b" may not match "axb".
	f := NewFilter([]string{"a.b"}, ModeBlacklist, false)
	if !f.Pass("axb") {
		t.Error("metacharacters must be literal")
	}
	if f.Pass("a.b") {
		t.Error("expected literal a.b to match")
	}
}

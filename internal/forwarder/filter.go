// Package forwarder is the per-user relay engine: ingest (event
// subscription plus fallback poller), album assembly, keyword filtering,
// dedup through the delivery ledger, and dispatch through the two egress
// paths. The supervisor owns one actor per running user.
package forwarder

import (
	"regexp"
	"strings"
)

// FilterMode selects whether keyword matches pass or block a post.
type FilterMode string

const (
	// ModeBlacklist passes a post iff no keyword matches.
	ModeBlacklist FilterMode = "blacklist"

	// ModeWhitelist passes a post iff at least one keyword matches.
	ModeWhitelist FilterMode = "whitelist"
)

// Filter matches whole words and hashtags against a keyword list.
type Filter struct {
	mode     FilterMode
	patterns []*regexp.Regexp
}

// NewFilter compiles the keyword list. Keywords starting with '#' match as
// hashtags bounded by whitespace or string edges; everything else matches
// on word boundaries. Keywords that fail to compile are skipped.
func NewFilter(keywords []string, mode FilterMode, caseSensitive bool) *Filter {
	f := &Filter{mode: mode}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}

		var expr string
		if strings.HasPrefix(kw, "#") {
			// Hashtags are not word characters, so \b does not apply:
			// bound by whitespace or the string edges instead.
			expr = `(?:^|\s)` + regexp.QuoteMeta(kw) + `(?:\s|$)`
		} else {
			expr = `\b` + regexp.QuoteMeta(kw) + `\b`
		}
		if !caseSensitive {
			expr = `(?i)` + expr
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	return f
}

// Empty reports whether the filter has no keywords and so never blocks in
// blacklist mode (and never passes in whitelist mode).
func (f *Filter) Empty() bool {
	return len(f.patterns) == 0
}

// Pass decides whether a post with the given text (body or caption) is
// relayed. Empty text passes a blacklist and fails a whitelist.
func (f *Filter) Pass(text string) bool {
	hasMatch := false
	if text != "" {
		for _, re := range f.patterns {
			if re.MatchString(text) {
				hasMatch = true
				break
			}
		}
	}
	if f.mode == ModeWhitelist {
		return hasMatch
	}
	return !hasMatch
}

// Package tagging attaches vocabulary tags to postings by case-insensitive
// substring containment.
//
// There is no tokenization: a tag name found inside an unrelated word
// ("go" in "good") still matches.
package tagging

import (
	"sort"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"golang.org/x/text/cases"

	"harvester/internal/domain"
)

// Matcher is built once per vocabulary snapshot and is safe for concurrent use.
type Matcher struct {
	matcher  *ahocorasick.Matcher
	keywords []string
	// kwToTags maps a folded keyword to every tag id sharing that name.
	kwToTags map[string][]string
}

// NewMatcher indexes tags by their case-folded names. Tags with blank names
// are ignored.
func NewMatcher(tags []domain.Tag) *Matcher {
	m := &Matcher{kwToTags: make(map[string][]string, len(tags))}
	for _, t := range tags {
		kw := fold(t.Name)
		if kw == "" {
			continue
		}
		if _, seen := m.kwToTags[kw]; !seen {
			m.keywords = append(m.keywords, kw)
		}
		m.kwToTags[kw] = append(m.kwToTags[kw], t.ID)
	}
	if len(m.keywords) > 0 {
		m.matcher = ahocorasick.NewStringMatcher(m.keywords)
	}
	return m
}

// Len returns the number of distinct keywords.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keywords)
}

// Match returns the sorted ids of every tag whose name occurs in text.
func (m *Matcher) Match(text string) []string {
	if m == nil || m.matcher == nil || text == "" {
		return nil
	}
	hits := m.matcher.MatchThreadSafe([]byte(fold(text)))
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(hits))
	out := make([]string, 0, len(hits))
	for _, idx := range hits {
		if idx < 0 || idx >= len(m.keywords) {
			continue
		}
		for _, id := range m.kwToTags[m.keywords[idx]] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MatchPosting matches against the posting's title and description.
func (m *Matcher) MatchPosting(p domain.Posting) []string {
	return m.Match(p.Title + " " + p.Description)
}

// fold applies Unicode case folding. A Caser is stateful, so one is built per call.
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}

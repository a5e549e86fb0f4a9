package anonymizer

import (
	"regexp"
	"sort"
)

// pattern pairs a compiled regex with the label of its matches.
type pattern struct {
	re    *regexp.Regexp
	label Label
	// accept filters matches the regex alone cannot rule out.
	accept func(text string, start, end int) bool
}

var patterns = []pattern{
	{
		re:    regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		label: LabelEmail,
	},
	{
		// optional +CC, area code with or without parentheses, two digit groups;
		// separators are space, dash or dot.
		re:     regexp.MustCompile(`(?:\+?\d{1,3}[\s.\-]?)?(?:\(\d{2,4}\)|\d{2,4})[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}\b`),
		label:  LabelPhone,
		accept: phoneBoundary,
	},
}

// phoneBoundary rejects matches glued to a preceding letter or digit, which
// RE2 cannot express without lookbehind. A leading '+' is its own boundary.
func phoneBoundary(text string, start, _ int) bool {
	if start == 0 || text[start] == '+' {
		return true
	}
	return !isWordByte(text[start-1])
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}

// find returns the non-overlapping matches of p in text. A match refused by
// accept is retried one byte further on, so a number following a glued
// token is still found.
func (p pattern) find(text string) [][]int {
	if p.accept == nil {
		return p.re.FindAllStringIndex(text, -1)
	}
	var out [][]int
	for pos := 0; pos < len(text); {
		loc := p.re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if !p.accept(text, start, end) {
			pos = start + 1
			continue
		}
		out = append(out, []int{start, end})
		if end == start {
			end++
		}
		pos = end
	}
	return out
}

// DetectPatterns returns email and phone spans found in text, ordered by
// start offset. Matches of one pattern never overlap each other; matches of
// different patterns may, and are left to Reconcile.
func DetectPatterns(text string) []Span {
	if text == "" {
		return nil
	}
	var spans []Span
	for _, p := range patterns {
		for _, loc := range p.find(text) {
			spans = append(spans, Span{
				Start:  loc[0],
				End:    loc[1],
				Label:  p.label,
				Source: SourcePattern,
				Score:  1,
			})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].Start < spans[j].Start
	})
	return spans
}

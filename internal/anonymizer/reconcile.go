package anonymizer

import "sort"

// Reconcile merges entity and pattern spans into a Plan for text.
//
// Spans that do not fit text are returned as InvalidSpan and take no further
// part. The rest are ordered by start, longer first on equal start, pattern
// before entity on equal extent, and accepted greedily: a span that overlaps
// an already accepted one is dropped whole. Pattern spans are swept before
// entity spans, so an entity span never shadows a pattern span it overlaps.
func Reconcile(text string, entities, patterns []Span) (Plan, []InvalidSpan) {
	candidates := make([]Span, 0, len(entities)+len(patterns))
	var rejected []InvalidSpan
	for _, group := range [][]Span{entities, patterns} {
		for _, s := range group {
			if reason := validate(text, s); reason != "" {
				rejected = append(rejected, InvalidSpan{Span: s, Reason: reason})
				continue
			}
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, rejected
	}

	sortCandidates(candidates)

	var plan Plan
	for _, tier := range []Source{SourcePattern, SourceEntity} {
		for _, s := range candidates {
			if s.Source != tier {
				continue
			}
			plan = plan.insert(s)
		}
	}
	return plan, rejected
}

// sortCandidates orders spans by start ascending, then width descending,
// then source priority descending.
func sortCandidates(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.Source > b.Source
	})
}

// insert adds s to the plan at its sorted position unless it overlaps an
// accepted span, in which case the plan is returned unchanged.
func (p Plan) insert(s Span) Plan {
	// first accepted span ending after s.Start; only it can overlap s.
	i := sort.Search(len(p), func(i int) bool { return p[i].End > s.Start })
	if i < len(p) && p[i].Overlaps(s) {
		return p
	}
	p = append(p, Span{})
	copy(p[i+1:], p[i:])
	p[i] = s
	return p
}

// Sorted reports whether the plan is ordered by start and free of overlaps.
func (p Plan) Sorted() bool {
	for i := 1; i < len(p); i++ {
		if p[i].Start < p[i-1].End {
			return false
		}
	}
	return true
}

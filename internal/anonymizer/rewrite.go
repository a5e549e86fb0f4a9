package anonymizer

import "strings"

// Rewrite returns text with every span of plan replaced by its placeholder.
// plan must be sorted and non-overlapping, as produced by Reconcile. Bytes
// outside the plan are copied unchanged.
func Rewrite(text string, plan Plan, placeholders Placeholders) string {
	return rewrite(text, plan, placeholders, false)
}

func rewrite(text string, plan Plan, placeholders Placeholders, caseAwarePersons bool) string {
	if len(plan) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, s := range plan {
		b.WriteString(text[cursor:s.Start])
		b.WriteString(placeholderFor(text, s, placeholders, caseAwarePersons))
		cursor = s.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

func placeholderFor(text string, s Span, placeholders Placeholders, caseAwarePersons bool) string {
	if caseAwarePersons && s.Label == LabelPerson {
		return placeholders.personFor(text[s.Start:s.End])
	}
	return placeholders.For(s.Label)
}

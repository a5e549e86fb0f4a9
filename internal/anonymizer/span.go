package anonymizer

import (
	"fmt"
	"strings"
)

// Label classifies a detected span.
type Label string

// Span labels. The first four come from the entity detector, the last two
// from the pattern detector.
const (
	LabelPerson       Label = "PERSON"
	LabelOrganization Label = "ORGANIZATION"
	LabelLocation     Label = "LOCATION"
	LabelMisc         Label = "MISC"
	LabelEmail        Label = "EMAIL"
	LabelPhone        Label = "PHONE"
)

// Labels lists every label in declaration order.
var Labels = []Label{
	LabelPerson, LabelOrganization, LabelLocation, LabelMisc, LabelEmail, LabelPhone,
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	for _, k := range Labels {
		if l == k {
			return true
		}
	}
	return false
}

// ParseLabel accepts a label name case-insensitively.
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown label %q", s)
	}
	return l, nil
}

// Source identifies which detector produced a span. Higher values win ties.
type Source int

const (
	SourceEntity  Source = iota // model-driven entity detector
	SourcePattern               // regex pattern detector
)

func (s Source) String() string {
	switch s {
	case SourceEntity:
		return "entity"
	case SourcePattern:
		return "pattern"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Span is a half-open byte range [Start, End) of the input text tagged with
// a label.
type Span struct {
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Label  Label   `json:"label"`
	Source Source  `json:"-"`
	Score  float64 `json:"score,omitempty"`
}

// Len returns the span width in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

func (s Span) String() string {
	return fmt.Sprintf("%s[%d:%d]/%s", s.Label, s.Start, s.End, s.Source)
}

// Plan is the reconciled substitution plan: sorted ascending by Start and
// pairwise non-overlapping.
type Plan []Span

// InvalidSpan describes a detector span that cannot be applied to the text.
type InvalidSpan struct {
	Span   Span
	Reason string
}

func (e InvalidSpan) Error() string {
	return fmt.Sprintf("invalid span %s: %s", e.Span, e.Reason)
}

// validate checks s against text and returns a non-empty reason when the
// span is unusable.
func validate(text string, s Span) string {
	switch {
	case s.Start < 0:
		return "negative start"
	case s.End > len(text):
		return fmt.Sprintf("end beyond text length %d", len(text))
	case s.End <= s.Start:
		return "empty or inverted range"
	case !isRuneBoundary(text, s.Start) || !isRuneBoundary(text, s.End):
		return "offset splits a UTF-8 sequence"
	case !s.Label.Valid():
		return fmt.Sprintf("unknown label %q", s.Label)
	}
	return ""
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

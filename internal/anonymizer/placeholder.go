package anonymizer

import (
	"fmt"
	"strings"
	"unicode"
)

// Placeholders maps each label to the text substituted for its spans.
type Placeholders map[Label]string

// DefaultPlaceholders returns a fresh copy of the built-in placeholder set.
func DefaultPlaceholders() Placeholders {
	return Placeholders{
		LabelPerson:       "[Person]",
		LabelOrganization: "[ORGANIZATION]",
		LabelLocation:     "[LOCATION]",
		LabelMisc:         "[MISC]",
		LabelEmail:        "[EMAIL]",
		LabelPhone:        "[PHONE]",
	}
}

// ParsePlaceholders builds a placeholder set from label names, starting from
// the defaults. Unknown labels and empty replacements are rejected.
func ParsePlaceholders(overrides map[string]string) (Placeholders, error) {
	p := DefaultPlaceholders()
	for name, repl := range overrides {
		l, err := ParseLabel(name)
		if err != nil {
			return nil, err
		}
		if repl == "" {
			return nil, fmt.Errorf("empty placeholder for %s", l)
		}
		p[l] = repl
	}
	return p, nil
}

// For returns the placeholder for label, or "[LABEL]" when none is set.
func (p Placeholders) For(label Label) string {
	if s, ok := p[label]; ok {
		return s
	}
	return "[" + string(label) + "]"
}

// personFor picks the PERSON placeholder following the letter case of the
// replaced text: "[PERSON]" for all upper, "[person]" for all lower, the
// configured placeholder otherwise.
func (p Placeholders) personFor(original string) string {
	upper, lower := 0, 0
	for _, r := range original {
		switch {
		case unicode.IsUpper(r):
			upper++
		case unicode.IsLower(r):
			lower++
		}
	}
	base := p.For(LabelPerson)
	switch {
	case upper > 1 && lower == 0:
		return strings.ToUpper(base)
	case lower > 0 && upper == 0:
		return strings.ToLower(base)
	}
	return base
}

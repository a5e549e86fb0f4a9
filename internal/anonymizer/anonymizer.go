// Package anonymizer detects sensitive spans in text and replaces them with
// category placeholders.
//
// Detection runs in two stages over the same text:
//  1. An entity detector (a model behind the EntityDetector interface) finds
//     person, organization, location and misc entities.
//  2. A fixed regex pass finds email addresses and phone numbers.
//
// Both span sets are reconciled into one sorted, non-overlapping Plan which
// is applied to the text in a single pass. Nothing outlives a call; an
// Anonymizer is safe for concurrent use.
package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"text-anonymizer/internal/logger"
	"text-anonymizer/internal/metrics"
)

var (
	// ErrDetectionUnavailable is returned when the entity detector cannot be
	// reached or answers with something unusable.
	ErrDetectionUnavailable = errors.New("entity detection unavailable")

	// ErrTextTooLarge is returned when the input exceeds Options.MaxTextBytes.
	ErrTextTooLarge = errors.New("text exceeds size limit")
)

// EntityDetector finds named entities in text. Returned spans use byte
// offsets into text and need not be sorted or disjoint.
// Implementations must be safe for concurrent use.
type EntityDetector interface {
	Detect(ctx context.Context, text string) ([]Span, error)
}

// DetectorFunc adapts a function to EntityDetector.
type DetectorFunc func(ctx context.Context, text string) ([]Span, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

// Options configures an Anonymizer. The zero value uses the default
// placeholders, fails when the detector fails and imposes no size limit.
type Options struct {
	Placeholders Placeholders

	// AllowDegraded continues with pattern-only detection when the entity
	// detector is unavailable instead of failing the call.
	AllowDegraded bool

	// CaseAwarePersons makes the PERSON placeholder follow the letter case
	// of the replaced name.
	CaseAwarePersons bool

	// Normalize applies Unicode NFKC normalization before detection. The
	// output is then built from the normalized text.
	Normalize bool

	// MaxTextBytes rejects longer inputs with ErrTextTooLarge; 0 disables.
	MaxTextBytes int

	Logger  *logger.Logger   // nil = no logging
	Metrics *metrics.Metrics // nil = no metrics
}

// Anonymizer runs the detect, reconcile and rewrite pipeline.
type Anonymizer struct {
	detector     EntityDetector
	placeholders Placeholders
	opts         Options
	log          *logger.Logger
	metrics      *metrics.Metrics
}

// New creates an Anonymizer. A nil detector runs pattern detection only.
func New(detector EntityDetector, opts Options) *Anonymizer {
	ph := DefaultPlaceholders()
	for l, s := range opts.Placeholders {
		ph[l] = s
	}
	return &Anonymizer{
		detector:     detector,
		placeholders: ph,
		opts:         opts,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Replacement reports one applied span without its original content.
type Replacement struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Label       Label  `json:"label"`
	Source      string `json:"source"`
	Placeholder string `json:"replacement"`
}

// Result is the outcome of Analyze.
type Result struct {
	Text         string
	Plan         Plan
	Replacements []Replacement
	Rejected     []InvalidSpan
	Dropped      int  // valid spans discarded due to overlap
	Degraded     bool // entity detection was skipped after a failure
}

// Anonymize returns text with all detected spans replaced.
func (a *Anonymizer) Anonymize(ctx context.Context, text string) (string, error) {
	res, err := a.Analyze(ctx, text)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Analyze anonymizes text and reports the plan that was applied.
// Offsets in the result refer to the input after optional normalization.
func (a *Anonymizer) Analyze(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return &Result{Text: text}, nil
	}
	if a.opts.MaxTextBytes > 0 && len(text) > a.opts.MaxTextBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLarge, len(text), a.opts.MaxTextBytes)
	}

	start := time.Now()
	if a.metrics != nil {
		a.metrics.Calls.Add(1)
	}
	if a.opts.Normalize {
		text = norm.NFKC.String(text)
		if a.opts.MaxTextBytes > 0 && len(text) > a.opts.MaxTextBytes {
			if a.metrics != nil {
				a.metrics.CallsFailed.Add(1)
			}
			return nil, fmt.Errorf("%w: %d bytes after normalization, limit %d", ErrTextTooLarge, len(text), a.opts.MaxTextBytes)
		}
	}

	entities, degraded, err := a.detectEntities(ctx, text)
	if err != nil {
		if a.metrics != nil {
			a.metrics.CallsFailed.Add(1)
		}
		return nil, err
	}
	found := DetectPatterns(text)

	plan, rejected := Reconcile(text, entities, found)
	for _, r := range rejected {
		a.log.Warnf("invalid_span", "%v", r)
	}
	dropped := len(entities) + len(found) - len(rejected) - len(plan)

	res := &Result{
		Text:         rewrite(text, plan, a.placeholders, a.opts.CaseAwarePersons),
		Plan:         plan,
		Replacements: make([]Replacement, 0, len(plan)),
		Rejected:     rejected,
		Dropped:      dropped,
		Degraded:     degraded,
	}
	for _, s := range plan {
		res.Replacements = append(res.Replacements, Replacement{
			Start:       s.Start,
			End:         s.End,
			Label:       s.Label,
			Source:      s.Source.String(),
			Placeholder: placeholderFor(text, s, a.placeholders, a.opts.CaseAwarePersons),
		})
	}

	if a.metrics != nil {
		a.metrics.InvalidSpans.Add(int64(len(rejected)))
		a.metrics.DroppedSpans.Add(int64(dropped))
		for _, s := range plan {
			a.metrics.RecordReplaced(string(s.Label))
		}
		a.metrics.RecordTotalLatency(time.Since(start))
	}
	a.log.Debugf("anonymize", "bytes=%d entities=%d patterns=%d replaced=%d dropped=%d invalid=%d degraded=%v",
		len(text), len(entities), len(found), len(plan), dropped, len(rejected), degraded)
	return res, nil
}

// detectEntities calls the entity detector and applies the degraded-mode
// policy. Returned spans are tagged as entity spans.
func (a *Anonymizer) detectEntities(ctx context.Context, text string) ([]Span, bool, error) {
	if a.detector == nil {
		return nil, false, nil
	}

	start := time.Now()
	spans, err := a.detector.Detect(ctx, text)
	if a.metrics != nil {
		a.metrics.RecordDetectLatency(time.Since(start))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		if a.metrics != nil {
			a.metrics.DetectorErrors.Add(1)
		}
		if !errors.Is(err, ErrDetectionUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDetectionUnavailable, err)
		}
		if !a.opts.AllowDegraded {
			a.log.Errorf("detect", "%v", err)
			return nil, false, err
		}
		a.log.Warnf("detect", "%v; continuing with pattern detection only", err)
		if a.metrics != nil {
			a.metrics.DegradedRuns.Add(1)
		}
		return nil, true, nil
	}

	tagged := make([]Span, len(spans))
	for i, s := range spans {
		s.Source = SourceEntity
		tagged[i] = s
	}
	return tagged, false, nil
}

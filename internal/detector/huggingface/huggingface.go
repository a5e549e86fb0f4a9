// Package huggingface implements anonymizer.EntityDetector on top of the
// Hugging Face inference API token-classification endpoint.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/logger"
)

const (
	DefaultAPIURL = "https://api-inference.huggingface.co"
	DefaultModel  = "dbmdz/bert-large-cased-finetuned-conll03-english"

	maxResponse = 10 << 20 // 10 MB
)

// Client queries one NER model. Offsets returned by the API are code point
// indexes into the submitted text; Detect converts them to byte offsets.
type Client struct {
	APIURL   string
	Model    string
	Token    string
	MinScore float64
	// CaseHint title-cases all-lower and all-upper words before sending,
	// which helps cased models find names typed without capitals.
	CaseHint bool

	HTTPClient *http.Client
	Log        *logger.Logger
}

// New returns a client with the given timeout applied per request.
func New(apiURL, model, token string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		APIURL:     strings.TrimRight(apiURL, "/"),
		Model:      model,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type request struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
	Options    map[string]any `json:"options"`
}

type entity struct {
	EntityGroup string  `json:"entity_group"`
	Entity      string  `json:"entity"`
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	Start       *int    `json:"start"`
	End         *int    `json:"end"`
}

// Detect sends text to the model and returns the recognized entity spans.
func (c *Client) Detect(ctx context.Context, text string) ([]anonymizer.Span, error) {
	input := text
	if c.CaseHint {
		input = caseHint(text)
	}

	entities, err := c.query(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	spans := c.toSpans(input, entities)
	c.Log.Debugf("detect", "model=%s entities=%d spans=%d", c.Model, len(entities), len(spans))
	return spans, nil
}

func (c *Client) query(ctx context.Context, input string) ([]entity, error) {
	reqBody, err := json.Marshal(request{
		Inputs:     input,
		Parameters: map[string]any{"aggregation_strategy": "simple"},
		Options:    map[string]any{"wait_for_model": true},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := c.APIURL + "/models/" + c.Model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", anonymizer.ErrDetectionUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("%w: %w", anonymizer.ErrDetectionUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", anonymizer.ErrDetectionUnavailable, err)
	}
	if int64(len(body)) > maxResponse {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", anonymizer.ErrDetectionUnavailable, maxResponse)
	}

	if resp.StatusCode != http.StatusOK {
		c.Log.Warnf("api_error", "model=%s status=%d %s", c.Model, resp.StatusCode, apiError(body))
		return nil, fmt.Errorf("%w: model API returned status %d", anonymizer.ErrDetectionUnavailable, resp.StatusCode)
	}
	return parseEntities(body)
}

// parseEntities accepts a flat list, a list wrapped in a list, or an object
// carrying an "entities" list.
func parseEntities(body []byte) ([]entity, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response", anonymizer.ErrDetectionUnavailable)
	}

	switch body[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse response: %w", anonymizer.ErrDetectionUnavailable, err)
		}
		if len(raw) > 0 && bytes.HasPrefix(bytes.TrimSpace(raw[0]), []byte("[")) {
			body = raw[0]
		}
		var out []entity
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("%w: parse entities: %w", anonymizer.ErrDetectionUnavailable, err)
		}
		return out, nil
	case '{':
		var obj struct {
			Error    json.RawMessage `json:"error"`
			Entities []entity        `json:"entities"`
		}
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("%w: parse response: %w", anonymizer.ErrDetectionUnavailable, err)
		}
		if len(obj.Error) > 0 && string(obj.Error) != "null" {
			return nil, fmt.Errorf("%w: model API error %s", anonymizer.ErrDetectionUnavailable, obj.Error)
		}
		return obj.Entities, nil
	}
	return nil, fmt.Errorf("%w: unexpected response shape", anonymizer.ErrDetectionUnavailable)
}

func apiError(body []byte) string {
	var obj struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &obj) == nil && obj.Error != "" {
		return obj.Error
	}
	return ""
}

var tagLabels = map[string]anonymizer.Label{
	"PER":          anonymizer.LabelPerson,
	"PERSON":       anonymizer.LabelPerson,
	"ORG":          anonymizer.LabelOrganization,
	"ORGANIZATION": anonymizer.LabelOrganization,
	"LOC":          anonymizer.LabelLocation,
	"LOCATION":     anonymizer.LabelLocation,
	"MISC":         anonymizer.LabelMisc,
}

// splitTag strips a B- or I- prefix and reports whether the piece continues
// the previous entity.
func splitTag(tag string) (name string, inside bool) {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	if rest, ok := strings.CutPrefix(tag, "I-"); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(tag, "B-"); ok {
		return rest, false
	}
	return tag, false
}

// runeSpan is an entity in code point coordinates.
type runeSpan struct {
	start, end int
	label      anonymizer.Label
	score      float64
}

func (c *Client) toSpans(input string, entities []entity) []anonymizer.Span {
	runes := []rune(input)

	var merged []runeSpan
	for _, e := range entities {
		if e.Start == nil || e.End == nil {
			continue
		}
		tag := e.EntityGroup
		if tag == "" {
			tag = e.Entity
		}
		if tag == "" {
			tag = e.Label
		}
		name, inside := splitTag(tag)
		label, ok := tagLabels[name]
		if !ok {
			continue
		}

		cur := runeSpan{start: *e.Start, end: *e.End, label: label, score: e.Score}
		if inside && len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if prev.label == label && onlySpace(runes, prev.end, cur.start) {
				prev.end = cur.end
				prev.score = min(prev.score, cur.score)
				continue
			}
		}
		merged = append(merged, cur)
	}

	offsets := byteOffsets(input)
	spans := make([]anonymizer.Span, 0, len(merged))
	for _, m := range merged {
		if m.score < c.MinScore {
			continue
		}
		spans = append(spans, anonymizer.Span{
			Start: toByte(offsets, len(input), m.start),
			End:   toByte(offsets, len(input), m.end),
			Label: m.label,
			Score: m.score,
		})
	}
	return spans
}

// onlySpace reports whether runes[from:to] is empty or whitespace.
func onlySpace(runes []rune, from, to int) bool {
	if from > to || from < 0 || to > len(runes) {
		return false
	}
	for _, r := range runes[from:to] {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// byteOffsets maps each code point index of s, plus one past the end, to
// its byte offset.
func byteOffsets(s string) []int {
	out := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		out = append(out, i)
	}
	return append(out, len(s))
}

// toByte converts a code point index. Indexes outside the text map outside
// [0, size] so the anonymizer rejects the span instead of rewriting bytes
// the model never pointed at.
func toByte(offsets []int, size, cp int) int {
	switch {
	case cp < 0:
		return -1
	case cp >= len(offsets):
		return size + cp - (len(offsets) - 1)
	}
	return offsets[cp]
}

// caseHint title-cases alphabetic words of three or more letters that are
// entirely upper or entirely lower case. Whitespace is kept as is and a word
// is only rewritten when its rune count is unchanged, so code point offsets
// into the result are valid for the input.
func caseHint(text string) string {
	title := cases.Title(language.Und)
	var b strings.Builder
	b.Grow(len(text))

	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		word := text[start:end]
		if hinted := hintWord(title, word); utf8.RuneCountInString(hinted) == utf8.RuneCountInString(word) {
			b.WriteString(hinted)
		} else {
			b.WriteString(word)
		}
		start = -1
	}

	for i, r := range text {
		if unicode.IsSpace(r) {
			flush(i)
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(text))
	return b.String()
}

func hintWord(title cases.Caser, word string) string {
	if utf8.RuneCountInString(word) <= 2 {
		return word
	}
	hasUpper, hasLower := false, false
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return word
		}
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsLower(r) {
			hasLower = true
		}
	}
	if hasUpper == hasLower {
		return word
	}
	return title.String(word)
}

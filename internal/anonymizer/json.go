package anonymizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// structuralKeys are JSON object keys whose values are request parameters
// rather than user content.
var structuralKeys = map[string]bool{
	"model": true, "temperature": true, "max_tokens": true,
	"top_p": true, "stream": true, "n": true,
}

// AnonymizeJSON anonymizes every string value of the JSON document body
// except those under structural keys. Object keys keep their order and
// numbers their spelling; the output is compact. Bodies that are not JSON
// are anonymized as plain text.
func (a *Anonymizer) AnonymizeJSON(ctx context.Context, body []byte) ([]byte, error) {
	if !validDocument(body) {
		out, err := a.Anonymize(ctx, string(body))
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var buf bytes.Buffer
	if err := a.walkValue(ctx, dec, &buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validDocument reports whether body holds exactly one JSON value.
func validDocument(body []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	return !dec.More()
}

// walkValue copies the next value from dec to buf, anonymizing string
// leaves unless skip is set.
func (a *Anonymizer) walkValue(ctx context.Context, dec *json.Decoder, buf *bytes.Buffer, skip bool) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			buf.WriteByte('{')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					buf.WriteByte(',')
				}
				kt, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := kt.(string)
				writeString(buf, key)
				buf.WriteByte(':')
				if err := a.walkValue(ctx, dec, buf, skip || structuralKeys[key]); err != nil {
					return err
				}
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := a.walkValue(ctx, dec, buf, skip); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
		default:
			return fmt.Errorf("unexpected delimiter %v", t)
		}
		// closing delimiter
		if _, err := dec.Token(); err != nil {
			return err
		}
	case string:
		if !skip {
			if t, err = a.Anonymize(ctx, t); err != nil {
				return err
			}
		}
		writeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	}
	return nil
}

// writeString writes s as a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	enc.Encode(s) //nolint:errcheck // strings always encode
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// Package eventcrypto implements the canonical-JSON encoding, reference
// hashing, signing, verification and redaction rules used to authenticate
// Matrix events (PDUs) exchanged between homeservers.
package eventcrypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON re-encodes the given JSON object using the Matrix
// canonical-JSON algorithm: object keys are sorted lexicographically by
// Unicode code point at every level, whitespace is stripped, and numbers
// are required to be integers representable in [-2^53+1, 2^53-1].
//
// The input must already be syntactically valid JSON; CanonicalJSON does
// not attempt to recover from malformed input.
func CanonicalJSON(input []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("eventcrypto: invalid JSON: %w", err)
	}
	if err := checkCanonicalValue(value); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkCanonicalValue rejects NaN/Infinity and out-of-range integers
// before we ever try to serialize them; json.Number lets us inspect the
// literal text rather than losing precision by round-tripping through
// float64.
func checkCanonicalValue(value interface{}) error {
	switch v := value.(type) {
	case json.Number:
		return checkCanonicalNumber(v)
	case map[string]interface{}:
		for _, child := range v {
			if err := checkCanonicalValue(child); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range v {
			if err := checkCanonicalValue(child); err != nil {
				return err
			}
		}
	}
	return nil
}

const (
	maxCanonicalInt = 1<<53 - 1
	minCanonicalInt = -(1<<53 - 1)
)

func checkCanonicalNumber(n json.Number) error {
	i, err := n.Int64()
	if err != nil {
		// Not an integer literal at all (has a '.' or exponent), which
		// covers both floats and the NaN/Infinity cases the stdlib
		// refuses to parse into json.Number in the first place.
		return fmt.Errorf("eventcrypto: canonical JSON numbers must be integers, got %q", n.String())
	}
	if i > maxCanonicalInt || i < minCanonicalInt {
		return fmt.Errorf("eventcrypto: integer %d outside safe range [-2^53+1, 2^53-1]", i)
	}
	return nil
}

func encodeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(v.String())
	case string:
		return encodeCanonicalString(buf, v)
	case []interface{}:
		buf.WriteByte('[')
		for i, child := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, child); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys) // lexicographic by Unicode code point == byte order for valid UTF-8
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("eventcrypto: unsupported canonical JSON value of type %T", v)
	}
	return nil
}

// encodeCanonicalString writes s with the minimal escaping the Matrix spec
// requires: quote, backslash and control characters only. Everything else,
// including all non-ASCII UTF-8 sequences, passes through untouched.
func encodeCanonicalString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

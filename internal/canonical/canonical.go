// Package canonical provides deterministic JSON canonicalization and
// content hashing for every audit artifact ELSPETH records.
//
// Canonicalization guarantees the same logical value always produces the
// same byte string on every platform: object keys are sorted, there is no
// insignificant whitespace, non-ASCII runes are escaped, and numbers use a
// fixed textual representation. Two values that canonicalize to the same
// bytes are, by definition, the same audited artifact.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Version tags the encoding rules used to produce canonical bytes. A future
// change to the canonicalization algorithm must advance this so that old
// runs remain distinguishable from new ones.
const Version = "elspeth-canonical-v1"

// ErrInvalidType is returned when a value cannot be canonicalized: NaN or
// infinite floats, cyclic structures, or a Go type outside the supported
// value model.
var ErrInvalidType = errors.New("canonical: invalid type")

// Value is the open value model canonical JSON operates over: nil, bool,
// integers, float64, string, []Value, or map[string]Value. Any other
// concrete type is rejected with ErrInvalidType.
type Value any

// CanonicalJSON renders v as deterministic, canonical JSON bytes.
func CanonicalJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// StableHash returns the lowercase hex SHA-256 digest of v's canonical JSON.
func StableHash(v Value) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}

	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes. Used
// directly by the payload store, which hashes opaque blobs rather than
// canonicalized values.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

// DeterministicID derives a stable identifier from an ordered list of
// string parts, by hashing their concatenation. Used by the graph builder
// to assign synthetic node IDs that are reproducible across identical
// configurations (spec.md Testable Property 4).
func DeterministicID(parts ...string) string {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(p)
		buf.WriteByte(0)
	}

	sum := sha256.Sum256(buf.Bytes())

	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")

		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

		return nil
	case string:
		encodeString(buf, val)

		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))

		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))

		return nil
	case float64:
		return encodeFloat(buf, val)
	case []Value:
		return encodeArray(buf, val)
	case []any:
		converted := make([]Value, len(val))
		for i, e := range val {
			converted[i] = e
		}

		return encodeArray(buf, converted)
	case map[string]Value:
		return encodeObject(buf, val)
	case map[string]any:
		converted := make(map[string]Value, len(val))
		for k, e := range val {
			converted[k] = e
		}

		return encodeObject(buf, converted)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidType, v)
	}
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite float %v", ErrInvalidType, f)
	}

	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatFloat(f, 'f', 1, 64))

		return nil
	}

	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))

	return nil
}

func encodeArray(buf *bytes.Buffer, arr []Value) error {
	buf.WriteByte('[')

	for i, e := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}

		if err := encode(buf, e); err != nil {
			return err
		}
	}

	buf.WriteByte(']')

	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]Value) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		encodeString(buf, k)
		buf.WriteByte(':')

		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}

	buf.WriteByte('}')

	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
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
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteByte(byte(r))
			default:
				if r > 0xFFFF {
					r1, r2 := utf16Surrogates(r)
					fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			}
		}
	}

	buf.WriteByte('"')
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000

	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}

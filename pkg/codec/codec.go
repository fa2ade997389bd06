// Package codec implements the canonical JSON encoding used to compute every
// content hash that appears in the audit trail. Two byte-identical values
// must produce identical bytes; two semantically different values must never
// collide within SHA-256 assumptions.
package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// UnsupportedTypeError is returned when a value contains a Go type the
// canonical encoder does not know how to represent.
type UnsupportedTypeError struct {
	Value interface{}
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("codec: unsupported type %T", e.Value)
}

// NonCanonicalFloatError is returned for NaN and +/-Infinity, which have no
// canonical JSON representation.
type NonCanonicalFloatError struct {
	Value float64
}

func (e *NonCanonicalFloatError) Error() string {
	return fmt.Sprintf("codec: non-canonical float %v", e.Value)
}

// CanonicalBytes renders value as deterministic JSON: object keys sorted
// lexicographically, no insignificant whitespace, integers without trailing
// zeros, a fixed float representation, and binary data base64-encoded.
func CanonicalBytes(value interface{}) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := appendCanonical(buf, value)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ContentHash returns the lowercase hex SHA-256 digest of value's canonical
// encoding. It is the single source of truth for any hash recorded in the
// audit trail.
func ContentHash(value interface{}) (string, error) {
	b, err := CanonicalBytes(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes raw bytes directly, used by the payload store where the
// input is already a byte slice rather than a structured value.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func appendCanonical(buf []byte, value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if v {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendCanonicalString(buf, v), nil
	case []byte:
		encoded := base64.StdEncoding.EncodeToString(v)
		return appendCanonicalString(buf, encoded), nil
	case int:
		return strconv.AppendInt(buf, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(buf, v, 10), nil
	case uint64:
		return strconv.AppendUint(buf, v, 10), nil
	case float64:
		return appendCanonicalFloat(buf, v)
	case float32:
		return appendCanonicalFloat(buf, float64(v))
	case map[string]interface{}:
		return appendCanonicalObject(buf, v)
	case []interface{}:
		return appendCanonicalArray(buf, v)
	default:
		return nil, &UnsupportedTypeError{Value: value}
	}
}

func appendCanonicalFloat(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &NonCanonicalFloatError{Value: f}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(buf, int64(f), 10), nil
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64), nil
}

func appendCanonicalString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return append(buf, '"')
}

func appendCanonicalObject(buf []byte, m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	var err error
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendCanonicalString(buf, k)
		buf = append(buf, ':')
		buf, err = appendCanonical(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}

func appendCanonicalArray(buf []byte, a []interface{}) ([]byte, error) {
	buf = append(buf, '[')
	var err error
	for i, v := range a {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf, err = appendCanonical(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, ']'), nil
}

package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainCalculation prefixes hashes of calculation inputs.
// The version suffix allows the canonical form to change without collisions.
const DomainCalculation = "taxsync/calculation/v1"

// CanonicalJSON re-serializes a JSON document into a canonical form:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, with no HTML escaping
//   - numbers normalized so 1, 1.0 and 1e0 serialize identically
//   - no insignificant whitespace
//
// Two documents that differ only in key order or number spelling produce the
// same bytes.
func CanonicalJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical json: trailing data after document")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCanonical marshals v with encoding/json and canonicalizes the result.
func MarshalCanonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return CanonicalJSON(data)
}

// Canonicalize returns the canonical bytes of v. v may be raw JSON ([]byte or
// json.RawMessage) or any value encoding/json can marshal.
func Canonicalize(v any) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		return CanonicalJSON(raw)
	case []byte:
		return CanonicalJSON(raw)
	default:
		return MarshalCanonical(v)
	}
}

// ContentHash returns the hex SHA-256 of the canonical form of v under
// DomainCalculation.
func ContentHash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashCanonical(canonical), nil
}

// HashCanonical hashes bytes already produced by Canonicalize.
func HashCanonical(canonical []byte) string {
	return hashWithDomain(DomainCalculation, canonical)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := normalizeNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// Keys are compared after NFC. Two keys that only differ in
		// composition have no canonical order, so the object is rejected.
		normalized := make(map[string]any, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return fmt.Errorf("canonical json: duplicate key %q after NFC normalization", nk)
			}
			normalized[nk] = elem
		}
		keys := make([]string, 0, len(normalized))
		for k := range normalized {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}

// writeString writes an NFC-normalized JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// normalizeNumber formats integral values up to 2^53 without a fraction or
// exponent and everything else in shortest round-trip float64 form, so every
// spelling of the same float64 value yields the same text.
func normalizeNumber(n json.Number) (string, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil && i >= -maxExactInt && i <= maxExactInt {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return "", fmt.Errorf("canonical json: invalid number %q: %w", n, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonical json: number out of range %q", n)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// lessUTF16 orders strings by UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

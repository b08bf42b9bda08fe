package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalPayload re-encodes a JSON payload in canonical form.
//
// Differences from the input:
//  1. Object keys sorted (byte order of the NFC form)
//  2. All strings, including object keys, NFC normalized
//  3. No HTML escaping
//  4. Numbers kept verbatim (json.Number), never round-tripped through float64
//  5. Insignificant whitespace removed
//
// An empty payload canonicalizes to nil so tombstones stay distinguishable
// from the JSON literal null.
func CanonicalPayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical payload: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return buf.Bytes(), nil
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
		buf.WriteString(val.String())
	case string:
		return writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// Normalize keys first: two raw keys may collapse to one NFC key.
		normalized := make(map[string]any, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return fmt.Errorf("duplicate key %q after normalization", nk)
			}
			normalized[nk] = elem
		}
		keys := make([]string, 0, len(normalized))
		for k := range normalized {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// NormalizeKey returns the storage form of a primary key: NFC normalized with
// surrounding whitespace removed. Keys that differ only in Unicode
// composition address the same row.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateTableName checks that name can be used as a logical table name.
// Names become part of SQL identifiers, so the alphabet is restricted.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match %s", name, tableNamePattern)
	}
	return nil
}

// ValidateTenant checks that a tenant scope key is usable.
func ValidateTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return fmt.Errorf("tenant scope key is required")
	}
	if tenant != strings.TrimSpace(tenant) {
		return fmt.Errorf("tenant scope key %q has surrounding whitespace", tenant)
	}
	return nil
}

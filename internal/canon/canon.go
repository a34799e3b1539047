// Package canon produces canonical JSON encodings and content hashes shared by
// slice verification, the usage ledger and the aggregation manifest.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// #region canonical-json

// JSON encodes v with sorted object keys, compact separators, no HTML escaping
// and a trailing newline. Non-ASCII text is written raw, U+2028 and U+2029
// included. Numbers keep their shortest textual form.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return unescapeLineSeparators(buf.Bytes()), nil
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes encoding/json
// always emits back into raw runes. Escaped backslashes are skipped in pairs so
// a literal "\\u2028" in the input stays as written.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if i+5 < len(b) && b[i+1] == 'u' && string(b[i+2:i+5]) == "202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// #endregion canonical-json

// #region hashing

// SHA256Hex returns the lowercase hex sha256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes the canonical JSON encoding of v.
func HashJSON(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SetHash hashes a set of identifiers independent of input order and duplicates.
func SetHash(ids []string) string {
	return SHA256Hex([]byte(strings.Join(SortedUnique(ids), "\n") + "\n"))
}

// SortedUnique returns a sorted copy of ids without duplicates or empty strings.
func SortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// #endregion hashing

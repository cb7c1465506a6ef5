// Package hash computes the content hashes used by the bot transparency
// protocol.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Prefix is prepended to every hex digest ("sha256:<lowercase hex>").
const Prefix = "sha256:"

// Bytes hashes raw content.
func Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return Prefix + hex.EncodeToString(sum[:])
}

// Code hashes bot code: the raw UTF-8 source for inline code, or the
// reference string itself for a code_ref.
func Code(inlineCode, codeRef string) string {
	if inlineCode != "" {
		return Bytes([]byte(inlineCode))
	}
	return Bytes([]byte(codeRef))
}

// Manifest hashes a manifest over its canonical JSON serialization.
// A nil manifest hashes as the empty object so the digest is stable for
// bots attached without one.
func Manifest(manifest map[string]any) (string, error) {
	if manifest == nil {
		manifest = map[string]any{}
	}
	canonical, err := CanonicalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	return Bytes(canonical), nil
}

// CanonicalJSON serializes v with object keys sorted lexicographically
// at every level, so the digest is stable across implementations and
// key insertion orders.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(normalized)
}

// normalize round-trips v through encoding/json so arbitrary structs
// and typed maps reduce to map[string]any / []any / primitives.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			valueJSON, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valueJSON...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(val)
	}
}

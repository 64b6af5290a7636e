package webvh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SCIDPlaceholder stands in for the SCID until the genesis entry is hashed.
const SCIDPlaceholder = "{SCID}"

// InsertPlaceholder replaces every occurrence of knownSCID with the
// placeholder. Without a known SCID it rewrites the did:web: prefix to
// did:webvh:{SCID}: instead. Every string value in the tree is visited,
// so controller and verification method references follow the id.
func InsertPlaceholder[T any](v T, knownSCID string) (T, error) {
	if knownSCID != "" {
		return replaceInTree(v, knownSCID, SCIDPlaceholder)
	}
	return replaceInTree(v, didWebPrefix, didWebVHPrefix+SCIDPlaceholder+":")
}

func ResolvePlaceholder[T any](v T, scid string) (T, error) {
	return replaceInTree(v, SCIDPlaceholder, scid)
}

// replaceInTree substitutes old with new inside string values only; object
// keys and the JSON structure itself are left alone.
func replaceInTree[T any](v T, old, new string) (T, error) {
	var out T

	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("serializing for substitution: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return out, err
	}

	b, err = json.Marshal(replaceStrings(tree, old, new))
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

func replaceStrings(node any, old, new string) any {
	switch n := node.(type) {
	case string:
		return strings.ReplaceAll(n, old, new)
	case map[string]any:
		for k, v := range n {
			n[k] = replaceStrings(v, old, new)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = replaceStrings(v, old, new)
		}
		return n
	default:
		return n
	}
}

// SPDX-License-Identifier: MPL-2.0

// Package importmap implements the subset of the WHATWG import-map algorithm
// the graph builder needs: top-level imports, scoped mappings selected by
// referrer path containment, and longest-prefix key matching.
package importmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"modgraph/pkg/specifier"
)

// ErrInvalidImportMap reports a malformed import-map document. The graph
// builder treats this as fatal to the whole build: resolution cannot proceed
// safely with a broken map.
var ErrInvalidImportMap = errors.New("invalid import map")

type (
	// ImportMap is a parsed, validated import-map document. Immutable after
	// Parse.
	ImportMap struct {
		// baseURL is the document location; mapping targets are resolved
		// against it.
		baseURL specifier.Specifier

		// imports is the top-level mapping, sorted by descending key length so
		// the first prefix hit is the longest.
		imports []mapping

		// scopes are sorted by descending prefix length; the first scope whose
		// prefix contains the referrer wins.
		scopes []scope
	}

	mapping struct {
		// key is an exact specifier text, or a prefix when it ends with "/".
		key    string
		target specifier.Specifier
	}

	scope struct {
		// prefix is the scope URL prefix; referrers under it see these
		// mappings before the top-level ones.
		prefix   string
		mappings []mapping
	}

	// document is the raw JSON wire form.
	document struct {
		Imports map[string]string            `json:"imports"`
		Scopes  map[string]map[string]string `json:"scopes"`
	}
)

// Parse validates a JSON import-map document. baseURL is the location the
// document was loaded from; relative targets and scope prefixes resolve
// against it.
func Parse(data []byte, baseURL specifier.Specifier) (*ImportMap, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportMap, err)
	}

	m := &ImportMap{baseURL: baseURL}

	imports, err := buildMappings(doc.Imports, baseURL)
	if err != nil {
		return nil, err
	}
	m.imports = imports

	for prefix, raw := range doc.Scopes {
		resolved, err := resolveTarget(prefix, baseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: scope prefix %q: %v", ErrInvalidImportMap, prefix, err)
		}
		mappings, err := buildMappings(raw, baseURL)
		if err != nil {
			return nil, err
		}
		m.scopes = append(m.scopes, scope{prefix: resolved.String(), mappings: mappings})
	}
	sort.Slice(m.scopes, func(i, j int) bool {
		if len(m.scopes[i].prefix) != len(m.scopes[j].prefix) {
			return len(m.scopes[i].prefix) > len(m.scopes[j].prefix)
		}
		return m.scopes[i].prefix < m.scopes[j].prefix
	})

	return m, nil
}

// buildMappings validates one mapping block and sorts it for longest-prefix
// matching.
func buildMappings(raw map[string]string, baseURL specifier.Specifier) ([]mapping, error) {
	var out []mapping
	for key, value := range raw {
		if key == "" {
			return nil, fmt.Errorf("%w: empty mapping key", ErrInvalidImportMap)
		}
		if value == "" {
			return nil, fmt.Errorf("%w: mapping %q has empty target", ErrInvalidImportMap, key)
		}
		target, err := resolveTarget(value, baseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q -> %q: %v", ErrInvalidImportMap, key, value, err)
		}
		// A prefix key must map to a prefix target, otherwise trailing-segment
		// concatenation would produce nonsense URLs.
		if strings.HasSuffix(key, "/") && !strings.HasSuffix(target.String(), "/") {
			return nil, fmt.Errorf("%w: prefix key %q maps to non-prefix target %q", ErrInvalidImportMap, key, value)
		}
		out = append(out, mapping{key: key, target: target})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].key) != len(out[j].key) {
			return len(out[i].key) > len(out[j].key)
		}
		return out[i].key < out[j].key
	})
	return out, nil
}

// resolveTarget parses text as a specifier, allowing relative references
// against the document base.
func resolveTarget(text string, baseURL specifier.Specifier) (specifier.Specifier, error) {
	return specifier.Parse(text, baseURL)
}

// Resolve applies the map to raw specifier text imported from referrer.
// Scoped mappings for the innermost containing scope are consulted first
// (exact key, then longest prefix key), then the top-level mapping, and
// finally the text is returned parsed against the referrer unchanged. The
// boolean reports whether a mapping applied.
func (m *ImportMap) Resolve(text string, referrer specifier.Specifier) (specifier.Specifier, bool, error) {
	ref := referrer.String()
	for _, sc := range m.scopes {
		if !strings.HasPrefix(ref, sc.prefix) {
			continue
		}
		if target, ok := applyMappings(sc.mappings, text); ok {
			return target, true, nil
		}
	}

	if target, ok := applyMappings(m.imports, text); ok {
		return target, true, nil
	}

	s, err := specifier.Parse(text, referrer)
	return s, false, err
}

// applyMappings tries an exact match first, then the longest matching prefix
// key (the slice is sorted longest-first).
func applyMappings(mappings []mapping, text string) (specifier.Specifier, bool) {
	for _, mp := range mappings {
		if mp.key == text {
			return mp.target, true
		}
	}
	for _, mp := range mappings {
		if !strings.HasSuffix(mp.key, "/") {
			continue
		}
		if rest, ok := strings.CutPrefix(text, mp.key); ok {
			joined, err := specifier.Parse("./"+rest, mp.target)
			if err != nil {
				continue
			}
			return joined, true
		}
	}
	return specifier.Specifier{}, false
}

// SPDX-License-Identifier: MPL-2.0

// Package graph builds module graphs: given root specifiers it loads every
// reachable module through the cache and network collaborators, applies
// import-map redirection and npm resolution, and assembles a closed,
// cycle-tolerant graph with per-module diagnostics.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"modgraph/pkg/npm"
	"modgraph/pkg/specifier"
)

// Phase tracks graph construction. A graph is only safe to query once Closed.
type Phase int

const (
	PhaseSeeded Phase = iota
	PhaseLoading
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeded:
		return "seeded"
	case PhaseLoading:
		return "loading"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Kind discriminates the module variants.
type Kind int

const (
	// KindEsModule is a parsed script module with import edges.
	KindEsModule Kind = iota

	// KindJSON is a JSON module; it never has outgoing edges.
	KindJSON

	// KindWasm is a WebAssembly module, loaded but not parsed for imports.
	KindWasm

	// KindExternal is an npm package, jsr package or node builtin. The
	// module body lives outside the graph; npm externals carry the
	// resolved package id.
	KindExternal

	// KindError records a load or resolution failure for the specifier.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindEsModule:
		return "esm"
	case KindJSON:
		return "json"
	case KindWasm:
		return "wasm"
	case KindExternal:
		return "external"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type (
	// Dependency is one import edge discovered in a module's source.
	// Specifier is zero when resolution of the raw text failed; Err then
	// carries the failure.
	Dependency struct {
		// Text is the specifier as written in the source.
		Text string

		Specifier specifier.Specifier
		Line      int
		Col       int
		Dynamic   bool
		Err       error
	}

	// Module is one terminal graph entry. Written once by the builder when
	// its specifier is first visited, never mutated afterward.
	Module struct {
		Specifier specifier.Specifier
		Kind      Kind
		MediaType specifier.MediaType

		// Source is the module body. Empty for External and Error entries.
		Source []byte

		// SourceHash is the emit-cache key component for script modules.
		SourceHash uint64

		// Dependencies holds import edges in source order. Dynamic is set
		// on edges discovered inside import() expressions.
		Dependencies []Dependency

		// Package is set for npm externals once resolution completes.
		Package npm.PackageID

		// Err is set for KindError entries.
		Err error

		// referrer is the module that first discovered this one; zero for
		// roots. Drives referrer-chain reporting.
		referrer specifier.Specifier
	}

	// Graph is the assembled module graph. Immutable once Closed.
	Graph struct {
		phase   Phase
		roots   []specifier.Specifier
		modules map[string]*Module

		// diagnostics collects dependency-resolution failures that have no
		// specifier of their own to key an error entry under.
		diagnostics []*Diagnostic
	}

	// Diagnostic is a non-fatal failure attached to a module's dependency
	// rather than to a graph key.
	Diagnostic struct {
		Referrer specifier.Specifier
		Text     string
		Err      error
	}
)

func newGraph(roots []specifier.Specifier) *Graph {
	return &Graph{
		phase:   PhaseSeeded,
		roots:   append([]specifier.Specifier(nil), roots...),
		modules: make(map[string]*Module),
	}
}

// Phase returns the construction phase.
func (g *Graph) Phase() Phase { return g.phase }

// Roots returns the root specifiers the graph was seeded with.
func (g *Graph) Roots() []specifier.Specifier {
	return append([]specifier.Specifier(nil), g.roots...)
}

// Get returns the module for a specifier, if present.
func (g *Graph) Get(spec specifier.Specifier) (*Module, bool) {
	m, ok := g.modules[spec.String()]
	return m, ok
}

// Len returns the number of graph entries.
func (g *Graph) Len() int { return len(g.modules) }

// Specifiers returns all graph keys in sorted order.
func (g *Graph) Specifiers() []specifier.Specifier {
	keys := make([]string, 0, len(g.modules))
	for k := range g.modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]specifier.Specifier, len(keys))
	for i, k := range keys {
		out[i] = g.modules[k].Specifier
	}
	return out
}

// Modules returns all entries ordered by specifier.
func (g *Graph) Modules() []*Module {
	specs := g.Specifiers()
	out := make([]*Module, len(specs))
	for i, s := range specs {
		out[i] = g.modules[s.String()]
	}
	return out
}

// Errors returns every error entry plus all dependency diagnostics, ordered
// by specifier then by discovery.
func (g *Graph) Errors() []*Diagnostic {
	var out []*Diagnostic
	for _, m := range g.Modules() {
		if m.Kind == KindError {
			out = append(out, &Diagnostic{
				Referrer: m.referrer,
				Text:     m.Specifier.String(),
				Err:      m.Err,
			})
		}
	}
	diags := append([]*Diagnostic(nil), g.diagnostics...)
	sort.SliceStable(diags, func(a, b int) bool {
		if diags[a].Referrer.String() != diags[b].Referrer.String() {
			return diags[a].Referrer.String() < diags[b].Referrer.String()
		}
		return diags[a].Text < diags[b].Text
	})
	return append(out, diags...)
}

// ReferrerChain walks first-referrer links from a specifier back to the root
// that made it reachable. The returned slice starts at the given specifier.
func (g *Graph) ReferrerChain(spec specifier.Specifier) []specifier.Specifier {
	var chain []specifier.Specifier
	seen := make(map[string]bool)
	cur := spec
	for !cur.IsZero() && !seen[cur.String()] {
		seen[cur.String()] = true
		chain = append(chain, cur)
		m, ok := g.modules[cur.String()]
		if !ok {
			break
		}
		cur = m.referrer
	}
	return chain
}

// FormatChain renders a referrer chain for error reporting.
func FormatChain(chain []specifier.Specifier) string {
	parts := make([]string, len(chain))
	for i, s := range chain {
		parts[i] = s.String()
	}
	return strings.Join(parts, "\n  imported from ")
}

// insert records a terminal entry. The builder guarantees each specifier is
// inserted at most once; a second insert indicates a dedup violation.
func (g *Graph) insert(m *Module) error {
	key := m.Specifier.String()
	if _, exists := g.modules[key]; exists {
		return fmt.Errorf("duplicate graph entry for %s", key)
	}
	g.modules[key] = m
	return nil
}

// validate checks closure: every resolved edge must point at a graph key.
func (g *Graph) validate() error {
	for _, m := range g.modules {
		if m.Kind == KindError {
			continue
		}
		for _, dep := range m.Dependencies {
			if dep.Specifier.IsZero() {
				continue
			}
			// Dynamic edges are recorded but only loaded under the eager
			// option, so closure is promised for static edges only.
			if dep.Dynamic {
				continue
			}
			if _, ok := g.modules[dep.Specifier.String()]; !ok {
				return fmt.Errorf("graph not closed: %s imports %s which has no entry",
					m.Specifier, dep.Specifier)
			}
		}
	}
	return nil
}

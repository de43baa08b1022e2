// SPDX-License-Identifier: MPL-2.0

// Package npm resolves semver package requirements against a registry
// snapshot into a concrete, deduplicated dependency graph.
//
// Resolution is a batch state machine: requirements are collected first
// (AddPackageReq, idempotent), then Resolve queries the registry, constructs
// the graph with deterministic greedy version selection, and validates that
// no dangling requirements remain. Compatible requirements on one package
// share a node; mutually incompatible requirements produce duplicate nodes
// distinguished by a copy index.
package npm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
)

// ErrNoMatchingVersion reports a requirement no published version satisfies.
var ErrNoMatchingVersion = errors.New("no version matches requirement")

// maxResolvePasses bounds the select-then-expand fixpoint. Version selection
// can shift while dependency requirements accumulate; real dependency sets
// settle in a handful of passes.
const maxResolvePasses = 50

type (
	// Resolver collects package requirements and resolves them into a
	// Snapshot. Create one per graph build; it is not reusable after Resolve.
	Resolver struct {
		registry RegistryClient
		logger   *log.Logger

		mu       sync.Mutex
		reqs     map[string]PackageReq
		rootReqs map[string]bool
		metadata map[string]*PackageMetadata
		metaErr  map[string]error
		resolved *Snapshot
	}

	// slot is one dependency slot under construction: the set of requirement
	// keys it serves and the version currently selected for them.
	slot struct {
		constraints []*semver.Constraints
		reqKeys     []string
		version     *semver.Version
		copyIndex   int
	}

	// assignment is the outcome of one greedy selection pass.
	assignment struct {
		// slots maps package name to its ordered dependency slots.
		slots map[string][]*slot

		// byReq maps a requirement key to the slot id it was bound to.
		byReq map[string]PackageID

		// failed maps requirement keys to their selection errors.
		failed map[string]error
	}
)

// NewResolver creates a resolver backed by the given registry client.
func NewResolver(registry RegistryClient, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		registry: registry,
		logger:   logger,
		reqs:     make(map[string]PackageReq),
		rootReqs: make(map[string]bool),
		metadata: make(map[string]*PackageMetadata),
		metaErr:  make(map[string]error),
	}
}

// AddPackageReq registers a requirement for resolution. Adding an
// already-known requirement is a no-op. fromRoot marks requirements imported
// directly by a root module; their failures are fatal to Resolve, while
// others are tolerated and recorded per-requirement.
func (r *Resolver) AddPackageReq(req PackageReq, fromRoot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := req.Key()
	if _, ok := r.reqs[key]; !ok {
		r.reqs[key] = req
	}
	if fromRoot {
		r.rootReqs[key] = true
	}
}

// Resolve runs the resolution state machine over all collected requirements
// and returns the validated snapshot. The returned error is non-nil only for
// whole-resolution failures: a root requirement that cannot be satisfied, a
// registry outage on a root requirement, or a snapshot that fails validation.
func (r *Resolver) Resolve(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != nil {
		return r.resolved, nil
	}

	initial := make([]PackageReq, 0, len(r.reqs))
	for _, req := range r.reqs {
		initial = append(initial, req)
	}
	sortReqs(initial)

	current := initial
	var asg *assignment
	for pass := 0; ; pass++ {
		if pass >= maxResolvePasses {
			return nil, fmt.Errorf("npm resolution did not converge after %d passes", maxResolvePasses)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var err error
		asg, err = r.selectVersions(ctx, current)
		if err != nil {
			return nil, err
		}

		next := r.expandRequirements(initial, asg)
		if reqsEqual(current, next) {
			break
		}
		current = next
	}

	snap, err := r.buildSnapshot(asg)
	if err != nil {
		return nil, err
	}

	for key := range r.rootReqs {
		if reqErr, ok := snap.unresolved[key]; ok {
			return nil, fmt.Errorf("root requirement %s: %w", key, reqErr)
		}
	}

	if err := snap.validate(); err != nil {
		return nil, err
	}

	r.resolved = snap
	return snap, nil
}

// selectVersions runs one deterministic greedy pass: requirements are
// processed in sorted key order, placed into the first slot that still has a
// version satisfying every requirement in it, and each slot is pinned to the
// maximum such version. Registry response ordering cannot influence the
// outcome because candidates are sorted by semver before selection.
func (r *Resolver) selectVersions(ctx context.Context, reqs []PackageReq) (*assignment, error) {
	asg := &assignment{
		slots:  make(map[string][]*slot),
		byReq:  make(map[string]PackageID),
		failed: make(map[string]error),
	}

	for _, req := range reqs {
		key := req.Key()
		if _, done := asg.byReq[key]; done {
			continue
		}
		if _, failed := asg.failed[key]; failed {
			continue
		}

		meta, err := r.getMetadata(ctx, req.Name)
		if err != nil {
			asg.failed[key] = err
			continue
		}

		cons, err := req.constraint()
		if err != nil {
			asg.failed[key] = err
			continue
		}

		candidates := sortedVersions(meta)
		placed := false
		for _, s := range asg.slots[req.Name] {
			all := append(append([]*semver.Constraints{}, s.constraints...), cons)
			if best := maxSatisfying(candidates, all); best != nil {
				s.constraints = append(s.constraints, cons)
				s.reqKeys = append(s.reqKeys, key)
				s.version = best
				placed = true
				break
			}
		}
		if !placed {
			best := maxSatisfying(candidates, []*semver.Constraints{cons})
			if best == nil {
				asg.failed[key] = fmt.Errorf("%w: %s (available: %d versions)", ErrNoMatchingVersion, key, len(candidates))
				continue
			}
			asg.slots[req.Name] = append(asg.slots[req.Name], &slot{
				constraints: []*semver.Constraints{cons},
				reqKeys:     []string{key},
				version:     best,
				copyIndex:   len(asg.slots[req.Name]),
			})
		}
	}

	for name, slots := range asg.slots {
		for _, s := range slots {
			id := PackageID{Name: name, Version: s.version.String(), CopyIndex: s.copyIndex}
			for _, key := range s.reqKeys {
				asg.byReq[key] = id
			}
		}
	}

	return asg, nil
}

// expandRequirements derives the full requirement set from the initial
// requirements plus the dependencies (and non-optional peer dependencies) of
// every selected version. Requirements are recomputed from scratch each pass
// so a slot whose version shifted does not leave stale dependency
// requirements behind.
func (r *Resolver) expandRequirements(initial []PackageReq, asg *assignment) []PackageReq {
	seen := make(map[string]PackageReq, len(initial))
	for _, req := range initial {
		seen[req.Key()] = req
	}

	for name, slots := range asg.slots {
		for _, s := range slots {
			info, ok := r.versionInfo(name, s.version.String())
			if !ok {
				continue
			}
			for depName, depRange := range info.Dependencies {
				req := PackageReq{Name: depName, RawRange: depRange}
				seen[req.Key()] = req
			}
			for peerName, peerRange := range info.PeerDependencies {
				if info.PeerDependenciesMeta[peerName].Optional {
					continue
				}
				req := PackageReq{Name: peerName, RawRange: peerRange}
				seen[req.Key()] = req
			}
		}
	}

	out := make([]PackageReq, 0, len(seen))
	for _, req := range seen {
		out = append(out, req)
	}
	sortReqs(out)
	return out
}

// buildSnapshot freezes the final assignment into an immutable snapshot with
// concrete dependency edges.
func (r *Resolver) buildSnapshot(asg *assignment) (*Snapshot, error) {
	snap := &Snapshot{
		reqs:       make(map[string]PackageID, len(asg.byReq)),
		packages:   make(map[string]*ResolvedPackage),
		unresolved: make(map[string]error, len(asg.failed)),
	}
	for key, id := range asg.byReq {
		snap.reqs[key] = id
	}
	for key, err := range asg.failed {
		snap.unresolved[key] = err
	}

	for name, slots := range asg.slots {
		for _, s := range slots {
			id := PackageID{Name: name, Version: s.version.String(), CopyIndex: s.copyIndex}
			info, ok := r.versionInfo(name, s.version.String())
			if !ok {
				return nil, fmt.Errorf("selected version %s disappeared from metadata", id)
			}

			pkg := &ResolvedPackage{
				ID:           id,
				Dependencies: make(map[string]PackageID),
				Dist:         info.Dist,
			}

			for depName, depRange := range info.Dependencies {
				depID, ok := asg.byReq[PackageReq{Name: depName, RawRange: depRange}.Key()]
				if !ok {
					// The dependency's requirement failed; the failure is
					// already recorded per-requirement.
					continue
				}
				pkg.Dependencies[depName] = depID
			}

			for peerName, peerRange := range info.PeerDependencies {
				peerID, ok := r.resolvePeer(asg, peerName, peerRange)
				if !ok {
					if !info.PeerDependenciesMeta[peerName].Optional {
						snap.unresolved[PackageReq{Name: peerName, RawRange: peerRange}.Key()] = fmt.Errorf("%w: peer dependency %s@%s of %s", ErrNoMatchingVersion, peerName, peerRange, id)
					}
					continue
				}
				pkg.Dependencies[peerName] = peerID
			}

			snap.packages[id.String()] = pkg
		}
	}

	return snap, nil
}

// resolvePeer binds a peer dependency. Installs of the peer already selected
// anywhere in the graph are consulted first, lowest copy index winning, so
// every requester of a compatible peer converges on the same install. Only
// when no selected install satisfies the range is the peer resolved like a
// regular requirement.
func (r *Resolver) resolvePeer(asg *assignment, peerName, peerRange string) (PackageID, bool) {
	cons, err := PackageReq{Name: peerName, RawRange: peerRange}.constraint()
	if err != nil {
		return PackageID{}, false
	}

	// Sibling pass: installs of the peer already selected anywhere in the
	// graph, preferring lower copy indexes for determinism.
	for _, s := range asg.slots[peerName] {
		if cons.Check(s.version) {
			return PackageID{Name: peerName, Version: s.version.String(), CopyIndex: s.copyIndex}, true
		}
	}

	// Transitive pass: the peer requirement was expanded as a regular
	// requirement; use its binding if one exists.
	if id, ok := asg.byReq[PackageReq{Name: peerName, RawRange: peerRange}.Key()]; ok {
		return id, true
	}

	return PackageID{}, false
}

// getMetadata memoizes registry lookups, including failures, so one outage is
// reported once per package rather than once per requirement.
func (r *Resolver) getMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	if meta, ok := r.metadata[name]; ok {
		return meta, nil
	}
	if err, ok := r.metaErr[name]; ok {
		return nil, err
	}

	meta, err := r.registry.GetPackageMetadata(ctx, name)
	if err != nil {
		r.metaErr[name] = err
		return nil, err
	}
	r.metadata[name] = meta
	return meta, nil
}

// versionInfo looks up a version document from memoized metadata.
func (r *Resolver) versionInfo(name, version string) (VersionInfo, bool) {
	meta, ok := r.metadata[name]
	if !ok {
		return VersionInfo{}, false
	}
	info, ok := meta.Versions[version]
	return info, ok
}

// sortedVersions returns a package's published versions sorted descending, so
// the first satisfying candidate is the maximum. Unparseable versions are
// skipped.
func sortedVersions(meta *PackageMetadata) []*semver.Version {
	out := make([]*semver.Version, 0, len(meta.Versions))
	for raw := range meta.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GreaterThan(out[j]) })
	return out
}

// maxSatisfying returns the highest candidate satisfying every constraint.
func maxSatisfying(candidates []*semver.Version, constraints []*semver.Constraints) *semver.Version {
	for _, v := range candidates {
		ok := true
		for _, c := range constraints {
			if !c.Check(v) {
				ok = false
				break
			}
		}
		if ok {
			return v
		}
	}
	return nil
}

// sortReqs orders requirements by key for deterministic processing.
func sortReqs(reqs []PackageReq) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Key() < reqs[j].Key() })
}

// reqsEqual compares two sorted requirement lists.
func reqsEqual(a, b []PackageReq) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

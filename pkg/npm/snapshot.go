// SPDX-License-Identifier: MPL-2.0

package npm

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

type (
	// PackageReq is a semver requirement on a package, as written in an npm:
	// specifier or a package's dependency map.
	PackageReq struct {
		// Name is the package name, including any scope.
		Name string

		// RawRange is the requirement text ("^1.2.0", "1.x", ""). Empty and
		// "*" and "latest" all mean "any version".
		RawRange string
	}

	// PackageID identifies one concrete resolved package install:
	// name@exact-version plus a copy index distinguishing duplicates created
	// for mutually incompatible requirements on the same slot.
	PackageID struct {
		Name      string
		Version   string
		CopyIndex int
	}

	// ResolvedPackage is one node of the terminal snapshot.
	ResolvedPackage struct {
		ID PackageID

		// Dependencies maps dependency names to the resolved ids of the
		// chosen installs. Every value is a key in the snapshot.
		Dependencies map[string]PackageID

		// Dist carries the tarball URL and integrity string.
		Dist DistInfo
	}

	// Snapshot is the validated result of a resolution pass: every semver
	// range is bound to a concrete package id and every dependency edge
	// points to a node present in the snapshot. Immutable.
	Snapshot struct {
		reqs     map[string]PackageID
		packages map[string]*ResolvedPackage

		// unresolved carries per-requirement failures that were tolerated
		// because the requirement was not attached to a root.
		unresolved map[string]error
	}
)

// Key identifies the requirement's resolution slot.
func (r PackageReq) Key() string {
	if r.RawRange == "" {
		return r.Name + "@*"
	}
	return r.Name + "@" + r.RawRange
}

func (r PackageReq) String() string { return r.Key() }

// constraint parses the requirement range. Empty, "*" and "latest" match any
// stable version.
func (r PackageReq) constraint() (*semver.Constraints, error) {
	raw := r.RawRange
	if raw == "" || raw == "*" || raw == "latest" {
		raw = ">=0.0.0"
	}
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid semver range %q for %s: %w", r.RawRange, r.Name, err)
	}
	return c, nil
}

// String renders the id in lockfile form: "name@1.2.3", with a "_N" suffix
// for copies.
func (id PackageID) String() string {
	s := id.Name + "@" + id.Version
	if id.CopyIndex > 0 {
		s += fmt.Sprintf("_%d", id.CopyIndex)
	}
	return s
}

// IsZero reports whether the id is unset.
func (id PackageID) IsZero() bool { return id.Name == "" }

// ResolveReq returns the package id a requirement was bound to.
func (s *Snapshot) ResolveReq(req PackageReq) (PackageID, bool) {
	id, ok := s.reqs[req.Key()]
	return id, ok
}

// ReqError returns the recorded failure for a requirement that could not be
// bound, if any.
func (s *Snapshot) ReqError(req PackageReq) error {
	return s.unresolved[req.Key()]
}

// Package returns the snapshot node for an id.
func (s *Snapshot) Package(id PackageID) (*ResolvedPackage, bool) {
	p, ok := s.packages[id.String()]
	return p, ok
}

// PackageIDs returns all resolved ids in sorted order.
func (s *Snapshot) PackageIDs() []PackageID {
	ids := make([]PackageID, 0, len(s.packages))
	for _, p := range s.packages {
		ids = append(ids, p.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// validate checks the closure invariant: no dangling dependency edges.
func (s *Snapshot) validate() error {
	for key, pkg := range s.packages {
		for dep, id := range pkg.Dependencies {
			if _, ok := s.packages[id.String()]; !ok {
				return fmt.Errorf("snapshot invariant violated: %s dependency %s points at missing %s", key, dep, id)
			}
		}
	}
	return nil
}

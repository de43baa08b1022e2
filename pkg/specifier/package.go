// SPDX-License-Identifier: MPL-2.0

package specifier

import (
	"fmt"
	"strings"
)

// PackageRef is the decomposed form of an npm: or jsr: specifier:
// "npm:@scope/name@^1.2.0/sub/path" splits into name "@scope/name",
// version requirement "^1.2.0" and subpath "sub/path".
type PackageRef struct {
	// Scheme is SchemeNpm or SchemeJsr.
	Scheme Scheme

	// Name is the package name, including any @scope/ prefix.
	Name string

	// VersionReq is the raw semver requirement ("^1.2.0", "1.x", "latest").
	// Empty means "any version".
	VersionReq string

	// SubPath is the path inside the package, without a leading slash.
	SubPath string
}

// String renders the reference back to canonical specifier text.
func (p PackageRef) String() string {
	s := string(p.Scheme) + ":" + p.Name
	if p.VersionReq != "" {
		s += "@" + p.VersionReq
	}
	if p.SubPath != "" {
		s += "/" + p.SubPath
	}
	return s
}

// ReqKey identifies the requirement independent of subpath; two imports of
// different files from the same package@range share one resolution slot.
func (p PackageRef) ReqKey() string {
	if p.VersionReq == "" {
		return p.Name + "@*"
	}
	return p.Name + "@" + p.VersionReq
}

// ParsePackageRef decomposes an npm: or jsr: specifier. Both the opaque form
// ("npm:chalk@5") and the path form ("npm:/chalk@5") are accepted.
func ParsePackageRef(s Specifier) (PackageRef, error) {
	sc := s.Scheme()
	if sc != SchemeNpm && sc != SchemeJsr {
		return PackageRef{}, fmt.Errorf("%w: %s is not a package specifier", ErrInvalidSpecifier, s)
	}

	rest := strings.TrimPrefix(s.Path(), "/")
	if rest == "" {
		return PackageRef{}, fmt.Errorf("%w: %s has no package name", ErrInvalidSpecifier, s)
	}

	ref := PackageRef{Scheme: sc}

	// Scoped names carry a leading @ that must not be confused with the
	// version separator.
	nameEnd := len(rest)
	searchFrom := 0
	if strings.HasPrefix(rest, "@") {
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return PackageRef{}, fmt.Errorf("%w: scoped package %q missing name", ErrInvalidSpecifier, rest)
		}
		searchFrom = slash + 1
	}

	if at := strings.IndexByte(rest[searchFrom:], '@'); at >= 0 {
		nameEnd = searchFrom + at
	} else if slash := strings.IndexByte(rest[searchFrom:], '/'); slash >= 0 {
		nameEnd = searchFrom + slash
	}

	ref.Name = rest[:nameEnd]
	rest = rest[nameEnd:]

	if strings.HasPrefix(rest, "@") {
		rest = rest[1:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			ref.VersionReq = rest[:slash]
			ref.SubPath = strings.TrimPrefix(rest[slash:], "/")
		} else {
			ref.VersionReq = rest
		}
	} else {
		ref.SubPath = strings.TrimPrefix(rest, "/")
	}

	if ref.Name == "" {
		return PackageRef{}, fmt.Errorf("%w: %s has no package name", ErrInvalidSpecifier, s)
	}

	return ref, nil
}

// SPDX-License-Identifier: MPL-2.0

package specifier

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme identifies the kind of resource a specifier points at.
type Scheme string

const (
	SchemeFile  Scheme = "file"
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeData  Scheme = "data"
	SchemeNpm   Scheme = "npm"
	SchemeNode  Scheme = "node"
	SchemeJsr   Scheme = "jsr"
)

var (
	// ErrInvalidSpecifier reports a specifier that is neither an absolute URL
	// with a recognized scheme nor a relative reference resolvable against a base.
	ErrInvalidSpecifier = errors.New("invalid module specifier")

	// ErrUnsupportedScheme reports an absolute URL whose scheme is not one of
	// the recognized module schemes.
	ErrUnsupportedScheme = errors.New("unsupported specifier scheme")
)

// recognizedSchemes is the closed set of schemes a Specifier may carry.
var recognizedSchemes = map[Scheme]bool{
	SchemeFile:  true,
	SchemeHTTP:  true,
	SchemeHTTPS: true,
	SchemeData:  true,
	SchemeNpm:   true,
	SchemeNode:  true,
	SchemeJsr:   true,
}

// Specifier is an absolute, normalized module URL. The zero value is invalid;
// construct one with Parse or MustParse. Once constructed it never changes.
type Specifier struct {
	url *url.URL
	str string
}

// Parse resolves text into an absolute Specifier. Relative references
// ("./x", "../x", "/x") are resolved against base using standard URL
// resolution; base may be the zero Specifier only when text is already
// absolute. Bare specifiers (no scheme, no relative prefix) are rejected with
// ErrInvalidSpecifier; import-map remapping happens before this function is
// reached.
func Parse(text string, base Specifier) (Specifier, error) {
	if text == "" {
		return Specifier{}, fmt.Errorf("%w: empty specifier", ErrInvalidSpecifier)
	}

	if u, err := url.Parse(text); err == nil && u.Scheme != "" {
		return fromURL(u)
	}

	if !isRelative(text) {
		return Specifier{}, fmt.Errorf("%w: %q is not absolute and not a relative path (missing ./, ../ or / prefix)", ErrInvalidSpecifier, text)
	}

	if base.url == nil {
		return Specifier{}, fmt.Errorf("%w: relative specifier %q without a base", ErrInvalidSpecifier, text)
	}
	if base.IsOpaque() {
		return Specifier{}, fmt.Errorf("%w: cannot resolve %q against opaque base %s", ErrInvalidSpecifier, text, base)
	}

	ref, err := url.Parse(text)
	if err != nil {
		return Specifier{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpecifier, text, err)
	}

	return fromURL(base.url.ResolveReference(ref))
}

// MustParse is like Parse but panics on error. Intended for tests and
// compile-time-constant specifiers.
func MustParse(text string) Specifier {
	s, err := Parse(text, Specifier{})
	if err != nil {
		panic(err)
	}
	return s
}

// fromURL normalizes and validates an already-parsed URL.
func fromURL(u *url.URL) (Specifier, error) {
	norm := *u
	norm.Scheme = strings.ToLower(norm.Scheme)
	norm.Host = strings.ToLower(norm.Host)
	norm.Fragment = ""

	if !recognizedSchemes[Scheme(norm.Scheme)] {
		return Specifier{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, norm.Scheme)
	}

	// file URLs with a host ("file://host/x") are not meaningful here; strip
	// the empty host form produced by "file:///x".
	if norm.Scheme == string(SchemeFile) && norm.Host != "" && norm.Host != "localhost" {
		return Specifier{}, fmt.Errorf("%w: file URL with host %q", ErrInvalidSpecifier, norm.Host)
	}
	if norm.Scheme == string(SchemeFile) {
		norm.Host = ""
	}

	return Specifier{url: &norm, str: norm.String()}, nil
}

// isRelative reports whether text is a relative path reference.
func isRelative(text string) bool {
	return strings.HasPrefix(text, "./") ||
		strings.HasPrefix(text, "../") ||
		strings.HasPrefix(text, "/")
}

// String returns the normalized absolute URL. This is the universal map key.
func (s Specifier) String() string { return s.str }

// IsZero reports whether s is the invalid zero value.
func (s Specifier) IsZero() bool { return s.url == nil }

// Scheme returns the specifier's scheme tag.
func (s Specifier) Scheme() Scheme {
	if s.url == nil {
		return ""
	}
	return Scheme(s.url.Scheme)
}

// Host returns the lowercase host (with port, if any) for http/https
// specifiers, and "" for all other schemes.
func (s Specifier) Host() string {
	if s.url == nil {
		return ""
	}
	return s.url.Host
}

// Path returns the URL path for hierarchical schemes, or the opaque part for
// npm/node/jsr/data specifiers.
func (s Specifier) Path() string {
	if s.url == nil {
		return ""
	}
	if s.url.Opaque != "" {
		return s.url.Opaque
	}
	return s.url.Path
}

// IsRemote reports whether the specifier needs network fetch (http/https).
func (s Specifier) IsRemote() bool {
	sc := s.Scheme()
	return sc == SchemeHTTP || sc == SchemeHTTPS
}

// IsOpaque reports whether the specifier uses an opaque (non-hierarchical)
// form, i.e. npm:, node:, jsr: or data:.
func (s Specifier) IsOpaque() bool {
	sc := s.Scheme()
	return sc == SchemeNpm || sc == SchemeNode || sc == SchemeJsr || sc == SchemeData
}

// Equal reports whether two specifiers identify the same module.
func (s Specifier) Equal(other Specifier) bool { return s.str == other.str }

// URL returns a copy of the underlying URL for collaborators that need
// structured access (e.g. the network fetcher). The copy keeps s immutable.
func (s Specifier) URL() *url.URL {
	if s.url == nil {
		return nil
	}
	u := *s.url
	return &u
}

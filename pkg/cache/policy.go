// SPDX-License-Identifier: MPL-2.0

package cache

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"modgraph/pkg/specifier"
)

// Setting selects the cache-consistency policy for remote fetches.
type Setting int

const (
	// SettingUse serves any cached entry regardless of staleness. The
	// offline-friendly default.
	SettingUse Setting = iota

	// SettingRespectHeaders honors Cache-Control max-age; stale entries are
	// revalidated with a conditional GET.
	SettingRespectHeaders

	// SettingReload bypasses the cache for the specifiers explicitly flagged
	// for reload; fetched content is still checked against the lockfile.
	SettingReload

	// SettingReloadAll bypasses the cache for every specifier in the build.
	SettingReloadAll

	// SettingOnly never fetches: a missing entry is ErrNotCached. Used for
	// fully offline/vendored execution.
	SettingOnly
)

// String returns the flag-style name of the setting.
func (s Setting) String() string {
	switch s {
	case SettingUse:
		return "use"
	case SettingRespectHeaders:
		return "respect-headers"
	case SettingReload:
		return "reload"
	case SettingReloadAll:
		return "reload-all"
	case SettingOnly:
		return "only"
	default:
		return fmt.Sprintf("Setting(%d)", int(s))
	}
}

// ParseSetting maps a config/flag value to a Setting.
func ParseSetting(text string) (Setting, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "use":
		return SettingUse, nil
	case "respect-headers":
		return SettingRespectHeaders, nil
	case "reload":
		return SettingReload, nil
	case "reload-all":
		return SettingReloadAll, nil
	case "only", "cached-only":
		return SettingOnly, nil
	default:
		return SettingUse, fmt.Errorf("unknown cache setting %q", text)
	}
}

// Effective resolves the per-specifier policy. Precedence is global over
// per-specifier over cached: SettingReloadAll forces a reload for everything,
// a specifier in reloadSet is reloaded under any base except SettingOnly
// (offline mode never fetches), and everything else falls through to the
// base setting. A base of SettingReload with no flagged set reloads
// everything it is asked about.
func Effective(base Setting, spec string, reloadSet map[string]bool) Setting {
	switch base {
	case SettingReloadAll:
		return SettingReloadAll
	case SettingOnly:
		return SettingOnly
	case SettingReload:
		// A bare reload applies to everything; a populated set scopes it.
		if len(reloadSet) == 0 || reloadSet[spec] {
			return SettingReload
		}
		return SettingUse
	default:
		if reloadSet[spec] {
			return SettingReload
		}
		return base
	}
}

// Lookup is the outcome of a policy-driven cache consultation. Entry is
// non-nil when the cache satisfied the request; otherwise the caller must
// fetch, sending Conditional headers (if any) for revalidation.
type Lookup struct {
	Entry       *Entry
	Conditional http.Header
}

// NeedsFetch reports whether the network collaborator must be consulted.
func (l Lookup) NeedsFetch() bool { return l.Entry == nil }

// FetchCached consults the cache under the given (already Effective) setting.
//
//	SettingUse            cached entry wins regardless of age
//	SettingRespectHeaders fresh entry wins; stale entry yields NeedsFetch with
//	                      validators attached
//	SettingReload(all)    always NeedsFetch
//	SettingOnly           cached entry or ErrNotCached
func (c *DiskCache) FetchCached(spec specifier.Specifier, setting Setting) (Lookup, error) {
	switch setting {
	case SettingReload, SettingReloadAll:
		return Lookup{}, nil

	case SettingOnly:
		entry, err := c.Get(spec)
		if err != nil {
			return Lookup{}, err
		}
		if entry == nil {
			return Lookup{}, fmt.Errorf("%w: %s", ErrNotCached, spec)
		}
		return Lookup{Entry: entry}, nil

	case SettingRespectHeaders:
		entry, err := c.Get(spec)
		if err != nil {
			return Lookup{}, err
		}
		if entry == nil {
			return Lookup{}, nil
		}
		if c.isFresh(entry) {
			return Lookup{Entry: entry}, nil
		}
		return Lookup{Conditional: conditionalHeaders(entry)}, nil

	default: // SettingUse
		entry, err := c.Get(spec)
		if err != nil {
			return Lookup{}, err
		}
		return Lookup{Entry: entry, Conditional: conditionalHeaders(entry)}, nil
	}
}

// isFresh applies Cache-Control max-age against the entry's fetch time.
// Entries without a max-age, and entries marked no-cache/no-store, always
// revalidate.
func (c *DiskCache) isFresh(entry *Entry) bool {
	cc := entry.Headers.Get("Cache-Control")
	if cc == "" {
		return false
	}

	maxAge := -1
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if directive == "no-cache" || directive == "no-store" {
			return false
		}
		if value, ok := strings.CutPrefix(directive, "max-age="); ok {
			if n, err := strconv.Atoi(value); err == nil {
				maxAge = n
			}
		}
	}
	if maxAge < 0 {
		return false
	}

	age := c.now().Sub(entry.FetchedAt)
	return age.Seconds() < float64(maxAge)
}

// conditionalHeaders builds the validators for a conditional GET from a
// cached entry's etag / last-modified, if it has any.
func conditionalHeaders(entry *Entry) http.Header {
	if entry == nil {
		return nil
	}
	h := http.Header{}
	if etag := entry.Headers.Get("Etag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lm := entry.Headers.Get("Last-Modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

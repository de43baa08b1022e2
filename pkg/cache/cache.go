// SPDX-License-Identifier: MPL-2.0

// Package cache implements the content-addressed disk store for remote module
// bytes and their HTTP metadata, plus the compiled-output cache.
//
// The on-disk layout is one subdirectory per scheme, then per host (with the
// port folded into the directory name), with each entry stored as a body file
// named by the SHA-256 of the URL path plus a JSON sidecar carrying headers,
// content hash and fetch time. Body and sidecar can be read independently.
// All writes are temp-file + rename so concurrent readers, including other
// processes sharing the cache directory, never observe partial content.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"modgraph/pkg/specifier"
)

var (
	// ErrCacheIO reports a disk failure underneath the cache. Malformed
	// cached metadata is NOT an ErrCacheIO; it is treated as a miss.
	ErrCacheIO = errors.New("cache I/O failure")

	// ErrNotCached reports a specifier absent from the cache under
	// SettingOnly (fully offline/vendored execution).
	ErrNotCached = errors.New("specifier not cached")
)

type (
	// DiskCache is the shared on-disk store. Safe for concurrent use within a
	// process; cross-process safety rests on atomic writes.
	DiskCache struct {
		fs     afero.Fs
		root   string
		logger *log.Logger

		// now is the clock, swappable in tests for staleness checks.
		now func() time.Time
	}

	// Entry is one cached remote module: body plus the HTTP metadata needed
	// for revalidation and integrity checking.
	Entry struct {
		Specifier specifier.Specifier
		Body      []byte
		Headers   http.Header
		Hash      string
		FetchedAt time.Time
	}

	// metadataFile is the JSON sidecar wire form.
	metadataFile struct {
		URL       string              `json:"url"`
		Headers   map[string][]string `json:"headers"`
		Hash      string              `json:"hash"`
		FetchedAt time.Time           `json:"fetched_at"`
	}
)

// NewDiskCache opens (or lazily creates) a cache rooted at dir.
func NewDiskCache(fs afero.Fs, dir string, logger *log.Logger) *DiskCache {
	if logger == nil {
		logger = log.Default()
	}
	return &DiskCache{fs: fs, root: dir, logger: logger, now: time.Now}
}

// Root returns the cache root directory.
func (c *DiskCache) Root() string { return c.root }

// entryPaths computes the body and sidecar locations for a specifier. The
// filename is the SHA-256 of the URL path so arbitrary remote paths stay
// filesystem-safe; the scheme/host directories keep the layout browsable.
func (c *DiskCache) entryPaths(spec specifier.Specifier) (body, meta string) {
	host := strings.ReplaceAll(spec.Host(), ":", "_")
	u := spec.URL()
	rest := u.Path
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	sum := sha256.Sum256([]byte(rest))
	name := hex.EncodeToString(sum[:])

	dir := filepath.Join(c.root, "remote", string(spec.Scheme()), host)
	return filepath.Join(dir, name), filepath.Join(dir, name+".meta.json")
}

// Get returns the cached entry for a specifier, or nil on a miss. Malformed
// or inconsistent cached state self-heals as a miss rather than failing the
// build; only real I/O errors surface as ErrCacheIO.
func (c *DiskCache) Get(spec specifier.Specifier) (*Entry, error) {
	bodyPath, metaPath := c.entryPaths(spec)

	metaBytes, err := afero.ReadFile(c.fs, metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCacheIO, metaPath, err)
	}

	var meta metadataFile
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		c.logger.Warn("discarding malformed cache metadata", "specifier", spec.String(), "err", err)
		return nil, nil
	}

	body, err := afero.ReadFile(c.fs, bodyPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar without body: treat as miss.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCacheIO, bodyPath, err)
	}

	// A body that no longer matches its recorded hash means a torn or
	// tampered entry; refetch rather than serve it.
	if computeHash(body) != meta.Hash {
		c.logger.Warn("discarding cache entry with stale hash", "specifier", spec.String())
		return nil, nil
	}

	return &Entry{
		Specifier: spec,
		Body:      body,
		Headers:   http.Header(meta.Headers),
		Hash:      meta.Hash,
		FetchedAt: meta.FetchedAt,
	}, nil
}

// Store writes a fetched module into the cache atomically and returns the
// stored entry. An existing entry is replaced whole: body first, sidecar
// second, each via temp+rename, so a reader sees either the old pair, a
// mixed pair caught by the hash check in Get, or the new pair, and never a
// truncated file.
func (c *DiskCache) Store(spec specifier.Specifier, body []byte, headers http.Header) (*Entry, error) {
	bodyPath, metaPath := c.entryPaths(spec)

	if err := c.fs.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}

	entry := &Entry{
		Specifier: spec,
		Body:      body,
		Headers:   headers,
		Hash:      computeHash(body),
		FetchedAt: c.now(),
	}

	if err := c.writeAtomic(bodyPath, body); err != nil {
		return nil, err
	}

	metaBytes, err := json.Marshal(metadataFile{
		URL:       spec.String(),
		Headers:   headers,
		Hash:      entry.Hash,
		FetchedAt: entry.FetchedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if err := c.writeAtomic(metaPath, metaBytes); err != nil {
		return nil, err
	}

	return entry, nil
}

// Refresh records a successful revalidation (HTTP 304): the body is
// untouched, the fetch time advances and any refreshed headers are merged.
func (c *DiskCache) Refresh(spec specifier.Specifier, headers http.Header) error {
	entry, err := c.Get(spec)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: cannot refresh %s", ErrNotCached, spec)
	}

	merged := entry.Headers.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for k, v := range headers {
		merged[k] = v
	}

	_, err = c.Store(spec, entry.Body, merged)
	return err
}

// writeAtomic is the temp-file + rename discipline shared by every cache
// write. A crash between write and rename leaves only a .tmp orphan; the
// previous content stays readable.
func (c *DiskCache) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrCacheIO, tmp, err)
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("%w: renaming %s: %v", ErrCacheIO, path, err)
	}
	return nil
}

// Clean removes the whole cache directory.
func (c *DiskCache) Clean() error {
	if err := c.fs.RemoveAll(c.root); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return nil
}

// computeHash is the cryptographic content hash recorded in sidecars and
// compared against the lockfile.
func computeHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

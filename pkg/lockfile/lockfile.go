// SPDX-License-Identifier: MPL-2.0

// Package lockfile persists the specifier→checksum map for remote modules and
// the npm resolution snapshot, and enforces integrity on every resolution.
//
// The on-disk format is a JSON document with a version field, a "remote"
// mapping of specifier → hex SHA-256, and an "npm" section holding the
// serialized package snapshot. Loading and saving round-trips content with
// sorted keys. The lockfile is held in memory during a build and flushed
// atomically at checkpoints only, never streamed incrementally.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FormatVersion is the current lockfile schema version.
const FormatVersion = "1"

// Mode controls how the lockfile reacts to entries it has not seen before.
type Mode int

const (
	// ModeReadWrite accepts new entries and persists them on Save.
	ModeReadWrite Mode = iota

	// ModeFrozen rejects new entries with ErrFrozenDrift. Used to guarantee
	// the dependency set cannot change under CI or vendored execution.
	ModeFrozen
)

var (
	// ErrIntegrityMismatch reports content whose hash does not match the
	// recorded one. Always fatal: silently accepting a changed hash would
	// defeat the supply-chain guarantee.
	ErrIntegrityMismatch = errors.New("lockfile integrity mismatch")

	// ErrFrozenDrift reports a frozen lockfile missing an entry required by
	// the current resolution. Distinct from ErrIntegrityMismatch so callers
	// can tell "content changed" apart from "new dependency appeared".
	ErrFrozenDrift = errors.New("frozen lockfile drift")

	// ErrLockfileIO reports a lockfile that exists but cannot be read or
	// parsed.
	ErrLockfileIO = errors.New("lockfile unreadable")
)

type (
	// Lockfile is the in-memory model. Safe for concurrent use during a
	// build; all mutation goes through CheckOrInsert* under an internal lock.
	Lockfile struct {
		mu      sync.Mutex
		fs      afero.Fs
		path    string
		mode    Mode
		remote  map[string]string
		npm     NpmSection
		dirty   bool
		existed bool
	}

	// NpmSection is the serialized npm resolution snapshot.
	NpmSection struct {
		// Specifiers maps a requirement key ("name@range") to the resolved
		// package id ("name@1.2.3").
		Specifiers map[string]string `json:"specifiers,omitempty"`

		// Packages maps a package id to its locked metadata.
		Packages map[string]NpmPackage `json:"packages,omitempty"`
	}

	// NpmPackage is one locked npm package.
	NpmPackage struct {
		// Integrity is the registry-reported integrity string for the
		// package tarball.
		Integrity string `json:"integrity"`

		// Dependencies maps dependency names to resolved package ids.
		Dependencies map[string]string `json:"dependencies,omitempty"`
	}

	// fileDocument is the JSON wire form.
	fileDocument struct {
		Version string            `json:"version"`
		Remote  map[string]string `json:"remote"`
		Npm     *NpmSection       `json:"npm,omitempty"`
	}
)

// Load opens a lockfile, creating a fresh in-memory one when the file does not
// exist. A missing file under ModeFrozen is not an error by itself; drift
// surfaces on the first CheckOrInsert for an unknown entry, so purely-cached
// builds with no remote modules still work.
func Load(fs afero.Fs, path string, mode Mode) (*Lockfile, error) {
	l := &Lockfile{
		fs:     fs,
		path:   path,
		mode:   mode,
		remote: make(map[string]string),
		npm: NpmSection{
			Specifiers: make(map[string]string),
			Packages:   make(map[string]NpmPackage),
		},
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrLockfileIO, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrLockfileIO, path, err)
	}

	l.existed = true
	for spec, hash := range doc.Remote {
		l.remote[spec] = hash
	}
	if doc.Npm != nil {
		for k, v := range doc.Npm.Specifiers {
			l.npm.Specifiers[k] = v
		}
		for k, v := range doc.Npm.Packages {
			l.npm.Packages[k] = v
		}
	}

	return l, nil
}

// Path returns the on-disk location the lockfile persists to.
func (l *Lockfile) Path() string { return l.path }

// Mode returns the configured drift policy.
func (l *Lockfile) Mode() Mode { return l.mode }

// Existed reports whether the lockfile was present on disk at Load time.
func (l *Lockfile) Existed() bool { return l.existed }

// HashBytes computes the hex-encoded SHA-256 integrity hash of content.
// Integrity hashing must be cryptographic; contrast the emit cache's fast
// xxhash keys, which are not security-sensitive.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CheckOrInsertRemote verifies (or records) the integrity hash for a remote
// module's content. An existing entry with a different hash is always
// ErrIntegrityMismatch. A missing entry inserts under ModeReadWrite and fails
// with ErrFrozenDrift under ModeFrozen.
func (l *Lockfile) CheckOrInsertRemote(spec string, contentHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.remote[spec]; ok {
		if existing != contentHash {
			return fmt.Errorf("%w: %s: locked %s, fetched %s", ErrIntegrityMismatch, spec, existing, contentHash)
		}
		return nil
	}

	if l.mode == ModeFrozen {
		return fmt.Errorf("%w: no entry for %s", ErrFrozenDrift, spec)
	}

	l.remote[spec] = contentHash
	l.dirty = true
	return nil
}

// CheckOrInsertPackage follows the same discipline for npm snapshot entries,
// keyed by resolved package id rather than specifier.
func (l *Lockfile) CheckOrInsertPackage(id string, pkg NpmPackage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.npm.Packages[id]; ok {
		if existing.Integrity != pkg.Integrity {
			return fmt.Errorf("%w: npm package %s: locked %s, resolved %s", ErrIntegrityMismatch, id, existing.Integrity, pkg.Integrity)
		}
		return nil
	}

	if l.mode == ModeFrozen {
		return fmt.Errorf("%w: no entry for npm package %s", ErrFrozenDrift, id)
	}

	l.npm.Packages[id] = pkg
	l.dirty = true
	return nil
}

// CheckOrInsertSpecifier records the requirement → package-id binding.
func (l *Lockfile) CheckOrInsertSpecifier(reqKey, packageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.npm.Specifiers[reqKey]; ok {
		if existing != packageID {
			return fmt.Errorf("%w: npm requirement %s: locked %s, resolved %s", ErrIntegrityMismatch, reqKey, existing, packageID)
		}
		return nil
	}

	if l.mode == ModeFrozen {
		return fmt.Errorf("%w: no entry for npm requirement %s", ErrFrozenDrift, reqKey)
	}

	l.npm.Specifiers[reqKey] = packageID
	l.dirty = true
	return nil
}

// RemoteHash returns the recorded hash for a specifier, if any.
func (l *Lockfile) RemoteHash(spec string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.remote[spec]
	return h, ok
}

// PackageID returns the locked package id for a requirement key, if any.
func (l *Lockfile) PackageID(reqKey string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.npm.Specifiers[reqKey]
	return id, ok
}

// Dirty reports whether the in-memory state diverged from disk since Load.
func (l *Lockfile) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Save writes the lockfile atomically (temp file + rename). Saving is a no-op
// when nothing changed, and frozen lockfiles never write.
func (l *Lockfile) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty || l.mode == ModeFrozen {
		return nil
	}

	doc := fileDocument{Version: FormatVersion, Remote: l.remote}
	if len(l.npm.Specifiers) > 0 || len(l.npm.Packages) > 0 {
		doc.Npm = &l.npm
	}

	// encoding/json writes map keys sorted, which gives the canonical key
	// ordering the round-trip property relies on.
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}
	data = append(data, '\n')

	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	tmpPath := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := l.fs.Rename(tmpPath, l.path); err != nil {
		_ = l.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename lockfile: %w", err)
	}

	l.dirty = false
	l.existed = true
	return nil
}

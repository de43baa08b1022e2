// SPDX-License-Identifier: MPL-2.0

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"modgraph/pkg/specifier"
)

// SourceHash is the fast non-cryptographic key for the compiled-output cache.
// It only needs to detect source changes, never to resist an adversary; the
// security-sensitive hashing lives in the lockfile (SHA-256).
func SourceHash(source []byte) uint64 {
	return xxhash.Sum64(source)
}

// emitPath keys compiled output by specifier and source hash; a source change
// changes the filename, which is the whole invalidation story.
func (c *DiskCache) emitPath(spec specifier.Specifier, sourceHash uint64) string {
	sum := sha256.Sum256([]byte(spec.String()))
	name := hex.EncodeToString(sum[:]) + "-" + strconv.FormatUint(sourceHash, 16) + ".js"
	return filepath.Join(c.root, "emit", name)
}

// GetEmit returns the cached transpiled output for a specifier at a given
// source hash, or (nil, false) when absent or stale.
func (c *DiskCache) GetEmit(spec specifier.Specifier, sourceHash uint64) ([]byte, bool) {
	data, err := afero.ReadFile(c.fs, c.emitPath(spec, sourceHash))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("emit cache read failed", "specifier", spec.String(), "err", err)
		}
		return nil, false
	}
	return data, true
}

// PutEmit stores transpiled output. Failures are logged, not returned: the
// emit cache is an optimization and never blocks a build.
func (c *DiskCache) PutEmit(spec specifier.Specifier, sourceHash uint64, output []byte) {
	path := c.emitPath(spec, sourceHash)
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Warn("emit cache write failed", "specifier", spec.String(), "err", err)
		return
	}
	if err := c.writeAtomic(path, output); err != nil {
		c.logger.Warn("emit cache write failed", "specifier", spec.String(), "err", err)
	}
}

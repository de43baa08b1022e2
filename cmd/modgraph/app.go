// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"modgraph/internal/config"
	"modgraph/internal/fetch"
	"modgraph/pkg/cache"
	"modgraph/pkg/graph"
	"modgraph/pkg/importmap"
	"modgraph/pkg/lockfile"
	"modgraph/pkg/npm"
	"modgraph/pkg/specifier"
)

// app bundles the collaborators a command needs for one invocation.
type app struct {
	fs      afero.Fs
	cache   *cache.DiskCache
	builder *graph.Builder
	lock    *lockfile.Lockfile
}

// newApp wires collaborators from the resolved configuration. lockPath and
// frozen override the config when the command supplies them.
func newApp(lockPath string, frozen bool) (*app, error) {
	fs := afero.NewOsFs()

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		var err error
		cacheDir, err = config.CacheDir()
		if err != nil {
			return nil, err
		}
	}
	diskCache := cache.NewDiskCache(fs, cacheDir, logger)

	httpClient := &http.Client{Timeout: 60 * time.Second}
	fetcher := fetch.NewClient(logger, fetch.WithHTTPClient(httpClient))
	registry := npm.NewHTTPRegistry(cfg.RegistryURL, httpClient, logger)

	a := &app{
		fs:      fs,
		cache:   diskCache,
		builder: graph.NewBuilder(fs, diskCache, fetcher, registry, logger),
	}

	if lockPath == "" {
		lockPath = cfg.Lockfile.Path
	}
	if lockPath != "" {
		mode := lockfile.ModeReadWrite
		if frozen || cfg.Lockfile.Frozen {
			mode = lockfile.ModeFrozen
		}
		lf, err := lockfile.Load(fs, lockPath, mode)
		if err != nil {
			return nil, err
		}
		a.lock = lf
	}
	return a, nil
}

// loadImportMap reads the map named by the flag or the config, if any. The
// argument takes the same forms as an entry, so http(s) and data: maps work
// alongside local paths.
func (a *app) loadImportMap(ctx context.Context, path string) (*importmap.ImportMap, error) {
	if path == "" {
		path = cfg.ImportMap.Path
	}
	if path == "" {
		return nil, nil
	}
	spec, err := parseEntry(path)
	if err != nil {
		return nil, err
	}
	return a.builder.LoadImportMap(ctx, spec)
}

// parseEntry turns a CLI argument into a root specifier: URL forms pass
// through, everything else is an OS path made absolute.
func parseEntry(arg string) (specifier.Specifier, error) {
	if strings.Contains(arg, "://") || hasOpaqueScheme(arg) {
		return specifier.Parse(arg, specifier.Specifier{})
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return specifier.Specifier{}, err
	}
	return specifier.Parse("file://"+filepath.ToSlash(abs), specifier.Specifier{})
}

func hasOpaqueScheme(arg string) bool {
	for _, prefix := range []string{"npm:", "jsr:", "node:", "data:"} {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

func parseEntries(args []string) ([]specifier.Specifier, error) {
	roots := make([]specifier.Specifier, len(args))
	for i, arg := range args {
		root, err := parseEntry(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid entry %q: %w", arg, err)
		}
		roots[i] = root
	}
	return roots, nil
}

// reportErrors prints per-module failures with their referrer chains and
// reports whether any were present.
func reportErrors(g *graph.Graph) bool {
	diags := g.Errors()
	if len(diags) == 0 {
		return false
	}
	fmt.Fprintln(os.Stderr, ErrorStyle.Render(fmt.Sprintf("%d module error(s):", len(diags))))
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", SpecStyle.Render(d.Text), d.Err)
		if !d.Referrer.IsZero() {
			chain := g.ReferrerChain(d.Referrer)
			fmt.Fprintf(os.Stderr, "    imported from %s\n", graph.FormatChain(chain))
		}
	}
	return true
}

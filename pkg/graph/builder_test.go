// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"modgraph/internal/fetch"
	"modgraph/pkg/cache"
	"modgraph/pkg/importmap"
	"modgraph/pkg/lockfile"
	"modgraph/pkg/npm"
	"modgraph/pkg/specifier"
)

// fakeFetcher serves canned remote bodies and counts fetches per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	headers map[string]http.Header
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:  make(map[string]string),
		headers: make(map[string]http.Header),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) add(url, body string) {
	f.bodies[url] = body
	h := http.Header{}
	h.Set("Content-Type", "application/typescript")
	f.headers[url] = h
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ http.Header) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls[url]++
	f.mu.Unlock()
	body, ok := f.bodies[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetch.ErrNotFound, url)
	}
	return &fetch.Response{Status: 200, Headers: f.headers[url], Body: []byte(body)}, nil
}

// fakeRegistry mirrors the npm package's test double.
type fakeRegistry struct {
	packages map[string]*npm.PackageMetadata
}

func (f *fakeRegistry) GetPackageMetadata(_ context.Context, name string) (*npm.PackageMetadata, error) {
	meta, ok := f.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", npm.ErrPackageNotFound, name)
	}
	return meta, nil
}

type fixture struct {
	fs      afero.Fs
	fetcher *fakeFetcher
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	fetcher := newFakeFetcher()
	logger := log.New(io.Discard)
	c := cache.NewDiskCache(fs, "/cache", logger)
	reg := &fakeRegistry{packages: map[string]*npm.PackageMetadata{
		"chalk": {
			Name: "chalk",
			Versions: map[string]npm.VersionInfo{
				"5.3.0": {Version: "5.3.0", Dist: npm.DistInfo{Tarball: "https://registry.test/chalk-5.3.0.tgz", Integrity: "sha512-chalk530"}},
			},
		},
	}}
	return &fixture{
		fs:      fs,
		fetcher: fetcher,
		builder: NewBuilder(fs, c, fetcher, reg, logger),
	}
}

func (f *fixture) writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := afero.WriteFile(f.fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (f *fixture) build(t *testing.T, opts Options, roots ...string) *Graph {
	t.Helper()
	specs := make([]specifier.Specifier, len(roots))
	for i, r := range roots {
		specs[i] = specifier.MustParse(r)
	}
	g, err := f.builder.Build(context.Background(), specs, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestBuildCycle(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/a.ts", `import "./b.ts"; export const a = 1;`)
	f.writeFile(t, "/b.ts", `import "./a.ts"; export const b = 2;`)

	g := f.build(t, Options{}, "file:///a.ts")

	if g.Phase() != PhaseClosed {
		t.Fatalf("phase = %v, want closed", g.Phase())
	}
	if g.Len() != 2 {
		t.Fatalf("graph has %d entries, want 2", g.Len())
	}
	a, ok := g.Get(specifier.MustParse("file:///a.ts"))
	if !ok {
		t.Fatal("a.ts missing from graph")
	}
	b, ok := g.Get(specifier.MustParse("file:///b.ts"))
	if !ok {
		t.Fatal("b.ts missing from graph")
	}
	if len(a.Dependencies) != 1 || a.Dependencies[0].Specifier.String() != "file:///b.ts" {
		t.Errorf("a.ts deps = %+v", a.Dependencies)
	}
	if len(b.Dependencies) != 1 || b.Dependencies[0].Specifier.String() != "file:///a.ts" {
		t.Errorf("b.ts deps = %+v", b.Dependencies)
	}
}

// Every importer of a shared module coalesces into a single load.
func TestBuildDedup(t *testing.T) {
	f := newFixture(t)
	shared := "https://example.com/shared.ts"
	f.fetcher.add(shared, "export const shared = true;")
	var roots []string
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("/m%d.ts", i)
		f.writeFile(t, path, fmt.Sprintf(`import "%s";`, shared))
		roots = append(roots, "file://"+path)
	}

	g := f.build(t, Options{Concurrency: 8}, roots...)

	if g.Len() != 21 {
		t.Fatalf("graph has %d entries, want 21", g.Len())
	}
	if f.fetcher.calls[shared] != 1 {
		t.Errorf("shared module fetched %d times, want 1", f.fetcher.calls[shared])
	}
}

// Closure: every static edge of a non-error entry is a graph key.
func TestBuildClosure(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/root.ts", `import "./one.ts"; import "./two.ts";`)
	f.writeFile(t, "/one.ts", `import "./two.ts";`)
	f.writeFile(t, "/two.ts", `import "./missing.ts";`)

	g := f.build(t, Options{}, "file:///root.ts")

	for _, m := range g.Modules() {
		if m.Kind == KindError {
			continue
		}
		for _, dep := range m.Dependencies {
			if dep.Specifier.IsZero() || dep.Dynamic {
				continue
			}
			if _, ok := g.Get(dep.Specifier); !ok {
				t.Errorf("%s imports %s which has no entry", m.Specifier, dep.Specifier)
			}
		}
	}

	missing, ok := g.Get(specifier.MustParse("file:///missing.ts"))
	if !ok {
		t.Fatal("missing.ts has no entry")
	}
	if missing.Kind != KindError || !errors.Is(missing.Err, ErrMissingModule) {
		t.Errorf("missing.ts = kind %v err %v", missing.Kind, missing.Err)
	}
}

func TestBuildDynamicLazy(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `const m = await import("./lazy.ts");`)
	f.writeFile(t, "/lazy.ts", `export const lazy = true;`)

	g := f.build(t, Options{}, "file:///main.ts")

	main, _ := g.Get(specifier.MustParse("file:///main.ts"))
	if len(main.Dependencies) != 1 || !main.Dependencies[0].Dynamic {
		t.Fatalf("deps = %+v, want one dynamic edge", main.Dependencies)
	}
	if _, ok := g.Get(specifier.MustParse("file:///lazy.ts")); ok {
		t.Error("lazy.ts loaded despite lazy mode")
	}

	g = f.build(t, Options{FollowDynamic: true}, "file:///main.ts")
	if _, ok := g.Get(specifier.MustParse("file:///lazy.ts")); !ok {
		t.Error("lazy.ts not loaded in eager mode")
	}
}

func TestBuildImportMap(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/app/main.ts", `import "lib";`)
	f.writeFile(t, "/app/vendor/lib.ts", `export const lib = true;`)

	m, err := importmap.Parse([]byte(`{"imports": {"lib": "./vendor/lib.ts"}}`), specifier.MustParse("file:///app/main.ts"))
	if err != nil {
		t.Fatalf("Parse import map: %v", err)
	}

	g := f.build(t, Options{ImportMap: m}, "file:///app/main.ts")

	if _, ok := g.Get(specifier.MustParse("file:///app/vendor/lib.ts")); !ok {
		t.Error("mapped module not in graph")
	}
}

func TestBuildNodeBuiltin(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import fs from "fs"; import path from "node:path";`)

	g := f.build(t, Options{}, "file:///main.ts")

	for _, want := range []string{"node:fs", "node:path"} {
		m, ok := g.Get(specifier.MustParse(want))
		if !ok {
			t.Fatalf("%s missing from graph", want)
		}
		if m.Kind != KindExternal {
			t.Errorf("%s kind = %v, want external", want, m.Kind)
		}
	}
}

func TestBuildNpmPackage(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import chalk from "npm:chalk@^5.0.0";`)

	g := f.build(t, Options{}, "file:///main.ts")

	m, ok := g.Get(specifier.MustParse("npm:chalk@^5.0.0"))
	if !ok {
		t.Fatal("npm specifier missing from graph")
	}
	if m.Kind != KindExternal {
		t.Fatalf("kind = %v, want external", m.Kind)
	}
	if got := m.Package.String(); got != "chalk@5.3.0" {
		t.Errorf("package = %s, want chalk@5.3.0", got)
	}
}

func TestBuildNpmRootUnresolvableFatal(t *testing.T) {
	f := newFixture(t)

	_, err := f.builder.Build(context.Background(),
		[]specifier.Specifier{specifier.MustParse("npm:chalk@^9.0.0")}, Options{})
	if !errors.Is(err, npm.ErrNoMatchingVersion) {
		t.Fatalf("err = %v, want ErrNoMatchingVersion", err)
	}
}

func TestBuildFrozenLockfileDrift(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/mod.ts"
	f.fetcher.add(url, "export {};")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	lf, err := lockfile.Load(f.fs, "/lock.json", lockfile.ModeFrozen)
	if err != nil {
		t.Fatalf("Load lockfile: %v", err)
	}

	_, err = f.builder.Build(context.Background(),
		[]specifier.Specifier{specifier.MustParse("file:///main.ts")},
		Options{Lockfile: lf})
	if !errors.Is(err, lockfile.ErrFrozenDrift) {
		t.Fatalf("err = %v, want ErrFrozenDrift", err)
	}
}

func TestBuildIntegrityMismatchFatal(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/mod.ts"
	f.fetcher.add(url, "export const changed = true;")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	lf, err := lockfile.Load(f.fs, "/lock.json", lockfile.ModeReadWrite)
	if err != nil {
		t.Fatalf("Load lockfile: %v", err)
	}
	if err := lf.CheckOrInsertRemote(url, lockfile.HashBytes([]byte("original content"))); err != nil {
		t.Fatalf("seed lockfile: %v", err)
	}

	_, err = f.builder.Build(context.Background(),
		[]specifier.Specifier{specifier.MustParse("file:///main.ts")},
		Options{Lockfile: lf})
	if !errors.Is(err, lockfile.ErrIntegrityMismatch) {
		t.Fatalf("err = %v, want ErrIntegrityMismatch", err)
	}
}

func TestBuildLockfileRecordsRemote(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/mod.ts"
	f.fetcher.add(url, "export {};")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	lf, err := lockfile.Load(f.fs, "/lock.json", lockfile.ModeReadWrite)
	if err != nil {
		t.Fatalf("Load lockfile: %v", err)
	}

	f.build(t, Options{Lockfile: lf}, "file:///main.ts")

	hash, ok := lf.RemoteHash(url)
	if !ok {
		t.Fatal("remote hash not recorded")
	}
	if want := lockfile.HashBytes([]byte("export {};")); hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}
}

func TestBuildDataURL(t *testing.T) {
	f := newFixture(t)
	data := "data:application/typescript;base64," + "ZXhwb3J0IGNvbnN0IGEgPSAxOw==" // export const a = 1;

	g := f.build(t, Options{}, data)

	m, ok := g.Get(specifier.MustParse(data))
	if !ok {
		t.Fatal("data URL missing from graph")
	}
	if m.Kind != KindEsModule {
		t.Errorf("kind = %v, want esm", m.Kind)
	}
	if !strings.Contains(string(m.Source), "export const a") {
		t.Errorf("source = %q", m.Source)
	}
}

func TestBuildBareSpecifierError(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import "not-mapped";`)

	g := f.build(t, Options{}, "file:///main.ts")

	main, _ := g.Get(specifier.MustParse("file:///main.ts"))
	if len(main.Dependencies) != 1 || main.Dependencies[0].Err == nil {
		t.Fatalf("deps = %+v, want one failed edge", main.Dependencies)
	}
	if len(g.Errors()) == 0 {
		t.Error("no diagnostics recorded")
	}
}

func TestBuildJSONModule(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import cfg from "./config.json";`)
	f.writeFile(t, "/config.json", `{"key": "value"}`)

	g := f.build(t, Options{}, "file:///main.ts")

	m, ok := g.Get(specifier.MustParse("file:///config.json"))
	if !ok {
		t.Fatal("config.json missing from graph")
	}
	if m.Kind != KindJSON {
		t.Errorf("kind = %v, want json", m.Kind)
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("json module has %d edges, want 0", len(m.Dependencies))
	}
}

// Re-building the same roots against unchanged inputs yields the same module
// set and edges.
func TestBuildDeterminism(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import "./a.ts"; import "./b.ts";`)
	f.writeFile(t, "/a.ts", `import "./b.ts";`)
	f.writeFile(t, "/b.ts", `export {};`)

	snapshot := func(g *Graph) string {
		var sb strings.Builder
		for _, m := range g.Modules() {
			fmt.Fprintf(&sb, "%s %v", m.Specifier, m.Kind)
			for _, d := range m.Dependencies {
				fmt.Fprintf(&sb, " ->%s", d.Specifier)
			}
			sb.WriteByte('\n')
		}
		return sb.String()
	}

	first := snapshot(f.build(t, Options{Concurrency: 4}, "file:///main.ts"))
	for i := 0; i < 5; i++ {
		got := snapshot(f.build(t, Options{Concurrency: 4}, "file:///main.ts"))
		if got != first {
			t.Fatalf("run %d differs:\n%s\nvs\n%s", i, got, first)
		}
	}
}

func TestBuildCachedOnlyMiss(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/vendored.ts"
	f.fetcher.add(url, "export {};")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	g := f.build(t, Options{CacheSetting: cache.SettingOnly}, "file:///main.ts")

	m, ok := g.Get(specifier.MustParse(url))
	if !ok {
		t.Fatal("remote specifier missing from graph")
	}
	if m.Kind != KindError || !errors.Is(m.Err, cache.ErrNotCached) {
		t.Errorf("entry = kind %v err %v, want ErrNotCached error", m.Kind, m.Err)
	}
	if f.fetcher.calls[url] != 0 {
		t.Errorf("network hit %d times in cached-only mode", f.fetcher.calls[url])
	}
}

func TestBuildRemoteCacheReuse(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/mod.ts"
	f.fetcher.add(url, "export {};")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	f.build(t, Options{}, "file:///main.ts")
	f.build(t, Options{}, "file:///main.ts")

	if f.fetcher.calls[url] != 1 {
		t.Errorf("fetched %d times across two builds, want 1", f.fetcher.calls[url])
	}

	f.build(t, Options{ReloadSpecs: map[string]bool{url: true}}, "file:///main.ts")
	if f.fetcher.calls[url] != 2 {
		t.Errorf("fetched %d times after reload, want 2", f.fetcher.calls[url])
	}
}

// A reload policy with no scoped specifiers bypasses the cache for every
// module, matching the configured "reload" policy reaching Build unscoped.
func TestBuildReloadPolicyBypassesCache(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/mod.ts"
	f.fetcher.add(url, "export {};")
	f.writeFile(t, "/main.ts", fmt.Sprintf(`import "%s";`, url))

	f.build(t, Options{CacheSetting: cache.SettingReload}, "file:///main.ts")
	f.build(t, Options{CacheSetting: cache.SettingReload, ReloadSpecs: map[string]bool{}}, "file:///main.ts")

	if f.fetcher.calls[url] != 2 {
		t.Errorf("fetched %d times across two reload builds, want 2", f.fetcher.calls[url])
	}
}

func TestLoadImportMapRemote(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com/import_map.json"
	f.fetcher.bodies[url] = `{"imports": {"lib": "https://example.com/lib.ts"}}`
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	f.fetcher.headers[url] = h

	spec := specifier.MustParse(url)
	m, err := f.builder.LoadImportMap(context.Background(), spec)
	if err != nil {
		t.Fatalf("LoadImportMap: %v", err)
	}
	resolved, _, err := m.Resolve("lib", specifier.MustParse("file:///main.ts"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.String() != "https://example.com/lib.ts" {
		t.Errorf("resolved = %s, want https://example.com/lib.ts", resolved)
	}

	// A second load is served from the cache.
	if _, err := f.builder.LoadImportMap(context.Background(), spec); err != nil {
		t.Fatalf("LoadImportMap (cached): %v", err)
	}
	if f.fetcher.calls[url] != 1 {
		t.Errorf("fetched %d times across two loads, want 1", f.fetcher.calls[url])
	}
}

func TestLoadImportMapData(t *testing.T) {
	f := newFixture(t)
	// {"imports":{"lib":"https://example.com/lib.ts"}}
	spec := specifier.MustParse("data:application/json;base64,eyJpbXBvcnRzIjp7ImxpYiI6Imh0dHBzOi8vZXhhbXBsZS5jb20vbGliLnRzIn19")

	m, err := f.builder.LoadImportMap(context.Background(), spec)
	if err != nil {
		t.Fatalf("LoadImportMap: %v", err)
	}
	resolved, _, err := m.Resolve("lib", specifier.MustParse("file:///main.ts"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.String() != "https://example.com/lib.ts" {
		t.Errorf("resolved = %s, want https://example.com/lib.ts", resolved)
	}
}

func TestBuildReferrerChain(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import "./mid.ts";`)
	f.writeFile(t, "/mid.ts", `import "./leaf.ts";`)
	f.writeFile(t, "/leaf.ts", `export {};`)

	g := f.build(t, Options{Concurrency: 1}, "file:///main.ts")

	chain := g.ReferrerChain(specifier.MustParse("file:///leaf.ts"))
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []string{"file:///leaf.ts", "file:///mid.ts", "file:///main.ts"}
	for i, s := range chain {
		if s.String() != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, s, want[i])
		}
	}
}

func TestBuildCancellation(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "/main.ts", `import "./a.ts";`)
	f.writeFile(t, "/a.ts", `export {};`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.builder.Build(ctx,
		[]specifier.Specifier{specifier.MustParse("file:///main.ts")}, Options{})
	if err == nil {
		t.Fatal("expected error from cancelled build")
	}
}

// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"modgraph/internal/fetch"
	"modgraph/pkg/cache"
	"modgraph/pkg/importmap"
	"modgraph/pkg/lockfile"
	"modgraph/pkg/npm"
	"modgraph/pkg/specifier"
)

var (
	// ErrMissingModule reports a local module that does not exist.
	ErrMissingModule = errors.New("module not found")

	// ErrUnsupportedMediaType reports a module body the graph cannot
	// represent.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

const defaultConcurrency = 16

type (
	// Options configures one graph build.
	Options struct {
		// CacheSetting is the build-wide cache policy.
		CacheSetting cache.Setting

		// ReloadSpecs flags individual specifiers for reload when
		// CacheSetting is not already ReloadAll.
		ReloadSpecs map[string]bool

		// FollowDynamic loads dynamic imports eagerly. They are always
		// recorded as edges either way.
		FollowDynamic bool

		// ImportMap redirects bare and mapped specifiers. Nil means no map.
		ImportMap *importmap.ImportMap

		// Lockfile checks and records integrity. Nil disables locking.
		Lockfile *lockfile.Lockfile

		// Concurrency bounds in-flight loads. Zero selects the default.
		Concurrency int
	}

	// Builder wires the collaborators a build needs. Construct once, build
	// many times; each Build call produces an independent graph.
	Builder struct {
		fs       afero.Fs
		cache    *cache.DiskCache
		fetcher  fetch.Fetcher
		registry npm.RegistryClient
		logger   *log.Logger
	}

	// pendingPackage is an npm or jsr specifier observed during traversal,
	// resolved after it completes.
	pendingPackage struct {
		spec     specifier.Specifier
		ref      specifier.PackageRef
		referrer specifier.Specifier
		fromRoot bool
	}

	// build is the per-Build mutable state. The mutex guards the graph map,
	// the visited set and the pending package list; it is the dedup point
	// guaranteeing at-most-one in-flight load per specifier.
	build struct {
		b    *Builder
		opts Options

		mu      sync.Mutex
		graph   *Graph
		visited map[string]bool
		pending []pendingPackage

		group *errgroup.Group
		ctx   context.Context

		// sem bounds concurrent loads. A goroutine exists per discovered
		// specifier, but only this many run their I/O at once; spawning a
		// child never blocks on the limit, so recursive discovery cannot
		// deadlock the pool.
		sem *semaphore.Weighted
	}
)

// NewBuilder creates a builder over the given collaborators. The registry may
// be nil when npm specifiers are not expected; encountering one then yields
// an error entry.
func NewBuilder(fs afero.Fs, c *cache.DiskCache, fetcher fetch.Fetcher, registry npm.RegistryClient, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{fs: fs, cache: c, fetcher: fetcher, registry: registry, logger: logger}
}

// Build loads the transitive closure of the roots and returns the closed
// graph. Per-module failures become error entries; integrity violations,
// frozen-lockfile drift and unresolvable root packages abort the whole build.
func (b *Builder) Build(ctx context.Context, roots []specifier.Specifier, opts Options) (*Graph, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	g := newGraph(roots)
	g.phase = PhaseLoading

	group, gctx := errgroup.WithContext(ctx)

	st := &build{
		b:       b,
		opts:    opts,
		graph:   g,
		visited: make(map[string]bool),
		group:   group,
		ctx:     gctx,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}

	for _, root := range roots {
		st.enqueue(root, specifier.Specifier{})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if err := st.resolvePackages(ctx); err != nil {
		return nil, err
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	g.phase = PhaseClosed
	return g, nil
}

// enqueue schedules a load for a specifier unless one is already visited or
// in flight. Safe for concurrent use.
func (st *build) enqueue(spec specifier.Specifier, referrer specifier.Specifier) {
	key := spec.String()
	st.mu.Lock()
	if st.visited[key] {
		st.mu.Unlock()
		return
	}
	st.visited[key] = true
	st.mu.Unlock()

	st.group.Go(func() error {
		if err := st.sem.Acquire(st.ctx, 1); err != nil {
			return err
		}
		defer st.sem.Release(1)
		return st.load(spec, referrer)
	})
}

// load produces exactly one terminal entry for the specifier. It returns an
// error only for whole-build failures; everything else becomes an error
// entry.
func (st *build) load(spec specifier.Specifier, referrer specifier.Specifier) error {
	if err := st.ctx.Err(); err != nil {
		return err
	}

	switch spec.Scheme() {
	case specifier.SchemeFile:
		return st.loadFile(spec, referrer)
	case specifier.SchemeHTTP, specifier.SchemeHTTPS:
		return st.loadRemote(spec, referrer)
	case specifier.SchemeData:
		return st.loadData(spec, referrer)
	case specifier.SchemeNode:
		return st.loadNodeBuiltin(spec, referrer)
	case specifier.SchemeNpm, specifier.SchemeJsr:
		return st.deferPackage(spec, referrer)
	default:
		return st.insertError(spec, referrer, fmt.Errorf("%w: %s", specifier.ErrUnsupportedScheme, spec))
	}
}

func (st *build) loadFile(spec specifier.Specifier, referrer specifier.Specifier) error {
	path := spec.URL().Path
	body, err := afero.ReadFile(st.b.fs, path)
	if err != nil {
		return st.insertError(spec, referrer, fmt.Errorf("%w: %s", ErrMissingModule, spec))
	}
	return st.insertLoaded(spec, referrer, body, specifier.MediaTypeOf(spec, ""))
}

func (st *build) loadRemote(spec specifier.Specifier, referrer specifier.Specifier) error {
	setting := cache.Effective(st.opts.CacheSetting, spec.String(), st.opts.ReloadSpecs)

	lookup, err := st.b.cache.FetchCached(spec, setting)
	if err != nil {
		if errors.Is(err, cache.ErrNotCached) {
			return st.insertError(spec, referrer, err)
		}
		return err
	}

	var body []byte
	var headers http.Header
	if lookup.NeedsFetch() {
		entry, ferr := st.b.fetchRemote(st.ctx, spec, lookup.Conditional)
		if ferr != nil {
			if isBuildFatal(ferr) {
				return ferr
			}
			return st.insertError(spec, referrer, ferr)
		}
		body, headers = entry.Body, entry.Headers
	} else {
		body, headers = lookup.Entry.Body, lookup.Entry.Headers
	}

	if lf := st.opts.Lockfile; lf != nil {
		if err := lf.CheckOrInsertRemote(spec.String(), lockfile.HashBytes(body)); err != nil {
			return fmt.Errorf("%s: %w", spec, err)
		}
	}

	return st.insertLoaded(spec, referrer, body, specifier.MediaTypeOf(spec, headers.Get("Content-Type")))
}

// fetchRemote runs the network fetch for a cache miss or revalidation, then
// stores the result. A 304 refreshes the existing entry in place.
func (b *Builder) fetchRemote(ctx context.Context, spec specifier.Specifier, conditional http.Header) (*cache.Entry, error) {
	resp, err := b.fetcher.Fetch(ctx, spec.String(), conditional)
	if err != nil {
		return nil, err
	}
	if resp.NotModified {
		if err := b.cache.Refresh(spec, resp.Headers); err != nil {
			return nil, err
		}
		entry, err := b.cache.Get(spec)
		if err != nil || entry == nil {
			return nil, fmt.Errorf("cache entry vanished during revalidation of %s", spec)
		}
		return entry, nil
	}
	return b.cache.Store(spec, resp.Body, resp.Headers)
}

// LoadImportMap loads an import map document named by a specifier. Local
// files read from the filesystem, data: URLs decode inline, and remote maps
// go through the disk cache the same way module sources do.
func (b *Builder) LoadImportMap(ctx context.Context, spec specifier.Specifier) (*importmap.ImportMap, error) {
	switch spec.Scheme() {
	case specifier.SchemeFile:
		return importmap.LoadFile(b.fs, spec.URL().Path)
	case specifier.SchemeData:
		return importmap.LoadDataURL(spec)
	case specifier.SchemeHTTP, specifier.SchemeHTTPS:
		lookup, err := b.cache.FetchCached(spec, cache.SettingUse)
		if err != nil {
			return nil, err
		}
		var body []byte
		if lookup.NeedsFetch() {
			entry, ferr := b.fetchRemote(ctx, spec, lookup.Conditional)
			if ferr != nil {
				return nil, ferr
			}
			body = entry.Body
		} else {
			body = lookup.Entry.Body
		}
		return importmap.Parse(body, spec)
	default:
		return nil, fmt.Errorf("%w: %s", specifier.ErrUnsupportedScheme, spec)
	}
}

func (st *build) loadData(spec specifier.Specifier, referrer specifier.Specifier) error {
	mediaType, body, err := specifier.DecodeDataURL(spec)
	if err != nil {
		return st.insertError(spec, referrer, err)
	}
	return st.insertLoaded(spec, referrer, body, specifier.MediaTypeFromContentType(mediaType))
}

func (st *build) loadNodeBuiltin(spec specifier.Specifier, referrer specifier.Specifier) error {
	name, ok := specifier.NodeBuiltinName(spec)
	if !ok {
		return st.insertError(spec, referrer, fmt.Errorf("unknown node builtin %q", spec.Path()))
	}
	st.b.logger.Debug("node builtin", "name", name)
	return st.insert(&Module{
		Specifier: spec,
		Kind:      KindExternal,
		referrer:  referrer,
	})
}

// deferPackage records an npm/jsr specifier for the post-traversal
// resolution pass. The graph entry is created there.
func (st *build) deferPackage(spec specifier.Specifier, referrer specifier.Specifier) error {
	ref, err := specifier.ParsePackageRef(spec)
	if err != nil {
		return st.insertError(spec, referrer, err)
	}
	st.mu.Lock()
	fromRoot := referrer.IsZero()
	st.pending = append(st.pending, pendingPackage{spec: spec, ref: ref, referrer: referrer, fromRoot: fromRoot})
	st.mu.Unlock()
	return nil
}

// insertLoaded classifies a loaded body by media type, parses script modules
// for imports and schedules newly discovered specifiers.
func (st *build) insertLoaded(spec specifier.Specifier, referrer specifier.Specifier, body []byte, mediaType specifier.MediaType) error {
	m := &Module{
		Specifier: spec,
		MediaType: mediaType,
		Source:    body,
		referrer:  referrer,
	}

	switch {
	case mediaType == specifier.MediaTypeJSON:
		m.Kind = KindJSON
	case mediaType == specifier.MediaTypeWasm:
		m.Kind = KindWasm
	case mediaType.IsScript():
		m.Kind = KindEsModule
		m.SourceHash = cache.SourceHash(body)
		m.Dependencies = st.resolveImports(spec, body)
	default:
		return st.insertError(spec, referrer, fmt.Errorf("%w: %q for %s", ErrUnsupportedMediaType, mediaType, spec))
	}

	if err := st.insert(m); err != nil {
		return err
	}

	for _, dep := range m.Dependencies {
		if dep.Specifier.IsZero() {
			continue
		}
		if dep.Dynamic && !st.opts.FollowDynamic {
			continue
		}
		st.enqueue(dep.Specifier, spec)
	}
	return nil
}

// resolveImports scans the source and resolves each discovered specifier,
// applying the import map when configured. Resolution failures stay on the
// edge and in the diagnostics list.
func (st *build) resolveImports(spec specifier.Specifier, body []byte) []Dependency {
	raw := scanImports(body)
	deps := make([]Dependency, 0, len(raw))
	for _, ri := range raw {
		line, col := lineCol(body, ri.offset)
		dep := Dependency{Text: ri.text, Line: line, Col: col, Dynamic: ri.dynamic}

		resolved, err := st.resolveSpecifier(ri.text, spec)
		if err != nil {
			dep.Err = err
			st.mu.Lock()
			st.graph.diagnostics = append(st.graph.diagnostics, &Diagnostic{
				Referrer: spec,
				Text:     ri.text,
				Err:      err,
			})
			st.mu.Unlock()
		} else {
			dep.Specifier = resolved
		}
		deps = append(deps, dep)
	}
	return deps
}

// resolveSpecifier applies the import map first, then bare-builtin
// normalization, then plain relative resolution.
func (st *build) resolveSpecifier(text string, referrer specifier.Specifier) (specifier.Specifier, error) {
	if m := st.opts.ImportMap; m != nil {
		resolved, _, err := m.Resolve(text, referrer)
		if err == nil {
			return resolved, nil
		}
		if specifier.IsNodeBuiltin(text) {
			return normalizeBuiltin(text)
		}
		return specifier.Specifier{}, err
	}
	if specifier.IsNodeBuiltin(text) {
		return normalizeBuiltin(text)
	}
	return specifier.Parse(text, referrer)
}

// normalizeBuiltin turns a bare builtin name into its node: specifier form.
func normalizeBuiltin(text string) (specifier.Specifier, error) {
	if !strings.HasPrefix(text, "node:") {
		text = "node:" + text
	}
	return specifier.Parse(text, specifier.Specifier{})
}

// resolvePackages runs the npm engine over every package specifier observed
// during traversal and inserts the external entries. Unresolvable root
// packages abort; transitive failures become error entries.
func (st *build) resolvePackages(ctx context.Context) error {
	st.mu.Lock()
	pending := st.pending
	st.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	// jsr packages are recorded as opaque externals; only npm goes through
	// the registry.
	var npmPending []pendingPackage
	for _, p := range pending {
		if p.spec.Scheme() == specifier.SchemeJsr {
			if err := st.insert(&Module{Specifier: p.spec, Kind: KindExternal, referrer: p.referrer}); err != nil {
				return err
			}
			continue
		}
		npmPending = append(npmPending, p)
	}
	if len(npmPending) == 0 {
		return nil
	}

	if st.b.registry == nil {
		for _, p := range npmPending {
			if err := st.insertError(p.spec, p.referrer, errors.New("no npm registry configured")); err != nil {
				return err
			}
		}
		return nil
	}

	resolver := npm.NewResolver(st.b.registry, st.b.logger)
	for _, p := range npmPending {
		resolver.AddPackageReq(npm.PackageReq{Name: p.ref.Name, RawRange: p.ref.VersionReq}, p.fromRoot)
	}

	snapshot, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	for _, p := range npmPending {
		req := npm.PackageReq{Name: p.ref.Name, RawRange: p.ref.VersionReq}
		id, ok := snapshot.ResolveReq(req)
		if !ok {
			reqErr := snapshot.ReqError(req)
			if reqErr == nil {
				reqErr = fmt.Errorf("%w: %s", npm.ErrNoMatchingVersion, req)
			}
			if err := st.insertError(p.spec, p.referrer, reqErr); err != nil {
				return err
			}
			continue
		}
		if err := st.recordPackage(snapshot, req, id); err != nil {
			return err
		}
		if err := st.insert(&Module{
			Specifier: p.spec,
			Kind:      KindExternal,
			Package:   id,
			referrer:  p.referrer,
		}); err != nil {
			return err
		}
	}
	return nil
}

// recordPackage checks the resolved requirement and the full dependency
// closure of its package against the lockfile.
func (st *build) recordPackage(snapshot *npm.Snapshot, req npm.PackageReq, id npm.PackageID) error {
	lf := st.opts.Lockfile
	if lf == nil {
		return nil
	}
	if err := lf.CheckOrInsertSpecifier(req.Key(), id.String()); err != nil {
		return fmt.Errorf("npm:%s: %w", req, err)
	}

	queue := []npm.PackageID{id}
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.String()] {
			continue
		}
		seen[cur.String()] = true

		pkg, ok := snapshot.Package(cur)
		if !ok {
			continue
		}
		deps := make(map[string]string, len(pkg.Dependencies))
		for name, depID := range pkg.Dependencies {
			deps[name] = depID.String()
			queue = append(queue, depID)
		}
		entry := lockfile.NpmPackage{Integrity: pkg.Dist.Integrity, Dependencies: deps}
		if err := lf.CheckOrInsertPackage(cur.String(), entry); err != nil {
			return fmt.Errorf("npm package %s: %w", cur, err)
		}
	}
	return nil
}

func (st *build) insert(m *Module) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.graph.insert(m)
}

func (st *build) insertError(spec specifier.Specifier, referrer specifier.Specifier, cause error) error {
	st.b.logger.Debug("module error", "specifier", spec.String(), "err", cause)
	return st.insert(&Module{
		Specifier: spec,
		Kind:      KindError,
		Err:       cause,
		referrer:  referrer,
	})
}

// isBuildFatal classifies load failures that must abort the whole build
// rather than become an error entry.
func isBuildFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, cache.ErrCacheIO) ||
		errors.Is(err, lockfile.ErrIntegrityMismatch) ||
		errors.Is(err, lockfile.ErrFrozenDrift)
}

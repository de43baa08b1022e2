// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"modgraph/pkg/cache"
	"modgraph/pkg/graph"
)

var (
	graphReloadAll     bool
	graphReloadSpecs   []string
	graphCachedOnly    bool
	graphFrozen        bool
	graphLockfilePath  string
	graphImportMapPath string
	graphJSON          bool
	graphFollowDynamic bool
	graphConcurrency   int

	graphCmd = &cobra.Command{
		Use:   "graph <entry>...",
		Short: "Build and print the module graph for one or more entry points",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGraph,
	}
)

func init() {
	graphCmd.Flags().BoolVar(&graphReloadAll, "reload", false, "bypass the cache for every module")
	graphCmd.Flags().StringArrayVar(&graphReloadSpecs, "reload-spec", nil, "bypass the cache for a specific specifier (repeatable)")
	graphCmd.Flags().BoolVar(&graphCachedOnly, "cached-only", false, "never hit the network; fail on uncached modules")
	graphCmd.Flags().BoolVar(&graphFrozen, "frozen", false, "treat the lockfile as read-only and fail on drift")
	graphCmd.Flags().StringVar(&graphLockfilePath, "lock", "", "lockfile path")
	graphCmd.Flags().StringVar(&graphImportMapPath, "import-map", "", "import map file")
	graphCmd.Flags().BoolVar(&graphJSON, "json", false, "print the graph as JSON")
	graphCmd.Flags().BoolVar(&graphFollowDynamic, "follow-dynamic", false, "load dynamic imports eagerly")
	graphCmd.Flags().IntVar(&graphConcurrency, "concurrency", 0, "maximum concurrent module loads (0 uses the configured value)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	g, a, err := buildGraph(cmd, args, graphLockfilePath, graphImportMapPath, graphFrozen)
	if err != nil {
		return err
	}

	if graphJSON {
		if err := printGraphJSON(g); err != nil {
			return err
		}
	} else {
		printGraphText(g)
	}

	hadErrors := reportErrors(g)

	if a.lock != nil && !graphFrozen {
		if err := a.lock.Save(); err != nil {
			return err
		}
	}
	if hadErrors {
		return &ExitError{Code: 1, Err: fmt.Errorf("graph completed with errors")}
	}
	return nil
}

// buildGraph assembles collaborators and runs the build shared by the graph
// and lock commands. The callers own their flag variables, so the shared
// inputs come in as parameters.
func buildGraph(cmd *cobra.Command, args []string, lockPath, importMapPath string, frozen bool) (*graph.Graph, *app, error) {
	a, err := newApp(lockPath, frozen)
	if err != nil {
		return nil, nil, err
	}

	roots, err := parseEntries(args)
	if err != nil {
		return nil, nil, err
	}

	im, err := a.loadImportMap(cmd.Context(), importMapPath)
	if err != nil {
		return nil, nil, fmt.Errorf("import map: %w", err)
	}

	setting, err := cacheSetting()
	if err != nil {
		return nil, nil, err
	}

	concurrency := graphConcurrency
	if concurrency == 0 {
		concurrency = cfg.Concurrency
	}

	var reloadSet map[string]bool
	if len(graphReloadSpecs) > 0 {
		reloadSet = make(map[string]bool, len(graphReloadSpecs))
		for _, s := range graphReloadSpecs {
			reloadSet[s] = true
		}
	}

	g, err := a.builder.Build(cmd.Context(), roots, graph.Options{
		CacheSetting:  setting,
		ReloadSpecs:   reloadSet,
		FollowDynamic: graphFollowDynamic,
		ImportMap:     im,
		Lockfile:      a.lock,
		Concurrency:   concurrency,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, a, nil
}

// cacheSetting merges the configured policy with the command flags; flags
// win.
func cacheSetting() (cache.Setting, error) {
	switch {
	case graphCachedOnly:
		return cache.SettingOnly, nil
	case graphReloadAll:
		return cache.SettingReloadAll, nil
	default:
		return cache.ParseSetting(cfg.CachePolicy)
	}
}

func printGraphText(g *graph.Graph) {
	fmt.Println(TitleStyle.Render(fmt.Sprintf("%d module(s)", g.Len())))
	for _, m := range g.Modules() {
		fmt.Printf("%s %s\n", SubtitleStyle.Render(fmt.Sprintf("%-8s", m.Kind)), SpecStyle.Render(m.Specifier.String()))
		for _, dep := range m.Dependencies {
			marker := "-"
			if dep.Dynamic {
				marker = "~"
			}
			target := dep.Specifier.String()
			if dep.Specifier.IsZero() {
				target = ErrorStyle.Render(dep.Text + " (unresolved)")
			}
			fmt.Printf("  %s %s\n", marker, target)
		}
	}
}

type (
	jsonDependency struct {
		Text      string `json:"text"`
		Specifier string `json:"specifier,omitempty"`
		Line      int    `json:"line"`
		Col       int    `json:"col"`
		Dynamic   bool   `json:"dynamic,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	jsonModule struct {
		Specifier    string           `json:"specifier"`
		Kind         string           `json:"kind"`
		MediaType    string           `json:"mediaType,omitempty"`
		Package      string           `json:"package,omitempty"`
		Error        string           `json:"error,omitempty"`
		Dependencies []jsonDependency `json:"dependencies,omitempty"`
	}

	jsonGraph struct {
		Roots   []string     `json:"roots"`
		Modules []jsonModule `json:"modules"`
	}
)

func printGraphJSON(g *graph.Graph) error {
	out := jsonGraph{}
	for _, r := range g.Roots() {
		out.Roots = append(out.Roots, r.String())
	}
	for _, m := range g.Modules() {
		jm := jsonModule{
			Specifier: m.Specifier.String(),
			Kind:      m.Kind.String(),
			MediaType: string(m.MediaType),
		}
		if !m.Package.IsZero() {
			jm.Package = m.Package.String()
		}
		if m.Err != nil {
			jm.Error = m.Err.Error()
		}
		for _, dep := range m.Dependencies {
			jd := jsonDependency{
				Text:    dep.Text,
				Line:    dep.Line,
				Col:     dep.Col,
				Dynamic: dep.Dynamic,
			}
			if !dep.Specifier.IsZero() {
				jd.Specifier = dep.Specifier.String()
			}
			if dep.Err != nil {
				jd.Error = dep.Err.Error()
			}
			jm.Dependencies = append(jm.Dependencies, jd)
		}
		out.Modules = append(out.Modules, jm)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

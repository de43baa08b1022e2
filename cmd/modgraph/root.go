// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for modgraph.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"modgraph/internal/config"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging
	verbose bool
	// cfgFile allows specifying a custom config file
	cfgFile string

	cfg    *config.Config
	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "modgraph",
		Short: "Module graph resolver for JavaScript and TypeScript",
		Long: TitleStyle.Render("modgraph") + SubtitleStyle.Render(" - Module graph resolver for JavaScript and TypeScript") + `

modgraph builds the complete dependency graph of an entry module:
local files, remote HTTP(S) modules, npm packages, node builtins and
data URLs, with import-map redirection, lockfile integrity checking
and an HTTP-aware on-disk cache.

` + SubtitleStyle.Render("Examples:") + `
  modgraph graph ./main.ts          Build and print the module graph
  modgraph graph --json ./main.ts   Machine-readable graph output
  modgraph cache dir                Print the cache location
  modgraph lock verify ./main.ts    Check the graph against the lockfile`,
	}
)

func init() {
	cobra.OnInitialize(initRootConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/modgraph/config.toml)")

	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(lockCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// initRootConfig loads the config file and wires logging.
func initRootConfig() {
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	loaded, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+err.Error())
		loaded = config.DefaultConfig()
	}
	cfg = loaded
}

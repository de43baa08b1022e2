// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the module cache",
	}

	cacheDirCmd = &cobra.Command{
		Use:   "dir",
		Short: "Print the module cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("", false)
			if err != nil {
				return err
			}
			fmt.Println(a.cache.Root())
			return nil
		},
	}

	cacheCleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove every cached module",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("", false)
			if err != nil {
				return err
			}
			if err := a.cache.Clean(); err != nil {
				return err
			}
			fmt.Println(SuccessStyle.Render("cache cleaned: ") + a.cache.Root())
			return nil
		},
	}
)

func init() {
	cacheCmd.AddCommand(cacheDirCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
}

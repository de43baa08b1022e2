// SPDX-License-Identifier: MPL-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", cfg.Concurrency)
	}
	if cfg.CachePolicy != "use" {
		t.Errorf("cache policy = %q, want use", cfg.CachePolicy)
	}
	if cfg.RegistryURL != "https://registry.npmjs.org" {
		t.Errorf("registry = %q", cfg.RegistryURL)
	}
	if cfg.Lockfile.Frozen {
		t.Error("frozen should default to false")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
cache_dir = "/srv/modcache"
concurrency = 4
cache_policy = "respect-headers"

[lockfile]
path = "/srv/modgraph.lock"
frozen = true
`)

	cfg, err := Load(LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != "/srv/modcache" {
		t.Errorf("cache_dir = %q", cfg.CacheDir)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.CachePolicy != "respect-headers" {
		t.Errorf("cache policy = %q", cfg.CachePolicy)
	}
	if cfg.Lockfile.Path != "/srv/modgraph.lock" || !cfg.Lockfile.Frozen {
		t.Errorf("lockfile = %+v", cfg.Lockfile)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `concurrency = 2`)

	cfg, err := Load(LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Concurrency)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFilePath: "/does/not/exist.toml"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not-found error", err)
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `concurrency = [unclosed`)

	if _, err := Load(LoadOptions{ConfigDirPath: dir}); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero concurrency", `concurrency = 0`},
		{"unknown cache policy", `cache_policy = "sometimes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			if _, err := Load(LoadOptions{ConfigDirPath: dir}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MODGRAPH_CONCURRENCY", "3")
	t.Setenv("MODGRAPH_CACHE_POLICY", "only")

	cfg, err := Load(LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", cfg.Concurrency)
	}
	if cfg.CachePolicy != "only" {
		t.Errorf("cache policy = %q, want only", cfg.CachePolicy)
	}
}

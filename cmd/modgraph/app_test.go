// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		want string
	}{
		{"absolute URL", "https://example.com/mod.ts", "https://example.com/mod.ts"},
		{"npm specifier", "npm:chalk@^5.0.0", "npm:chalk@^5.0.0"},
		{"node builtin", "node:path", "node:path"},
		{"data URL", "data:application/typescript;base64,Cg==", "data:application/typescript;base64,Cg=="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEntry(tt.arg)
			if err != nil {
				t.Fatalf("parseEntry(%q): %v", tt.arg, err)
			}
			if got.String() != tt.want {
				t.Errorf("parseEntry(%q) = %s, want %s", tt.arg, got, tt.want)
			}
		})
	}
}

func TestParseEntryLocalPath(t *testing.T) {
	got, err := parseEntry("./main.ts")
	if err != nil {
		t.Fatalf("parseEntry: %v", err)
	}
	if !strings.HasPrefix(got.String(), "file://") {
		t.Errorf("parseEntry(./main.ts) = %s, want file:// URL", got)
	}
	abs, _ := filepath.Abs("./main.ts")
	if !strings.HasSuffix(got.String(), filepath.ToSlash(abs)) {
		t.Errorf("parseEntry(./main.ts) = %s, want suffix %s", got, filepath.ToSlash(abs))
	}
}

func TestParseEntriesInvalid(t *testing.T) {
	if _, err := parseEntries([]string{"ftp://example.com/mod.ts"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

// The graph and lock verify commands register --lock onto separate variables,
// so each keeps its own default after init.
func TestLockFlagDefaults(t *testing.T) {
	gf := graphCmd.Flags().Lookup("lock")
	if gf == nil {
		t.Fatal("graph command has no --lock flag")
	}
	if got := gf.Value.String(); got != "" {
		t.Errorf("graph --lock default = %q, want empty", got)
	}

	vf := lockVerifyCmd.Flags().Lookup("lock")
	if vf == nil {
		t.Fatal("lock verify command has no --lock flag")
	}
	if got := vf.Value.String(); got != "modgraph.lock.json" {
		t.Errorf("lock verify --lock default = %q, want modgraph.lock.json", got)
	}
}

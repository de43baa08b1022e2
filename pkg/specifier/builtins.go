// SPDX-License-Identifier: MPL-2.0

package specifier

import "strings"

// nodeBuiltins lists the Node.js core modules recognized behind the node:
// scheme. Top-level names only; subpaths like "fs/promises" are matched by
// their first segment.
var nodeBuiltins = map[string]bool{
	"assert":              true,
	"async_hooks":         true,
	"buffer":              true,
	"child_process":       true,
	"cluster":             true,
	"console":             true,
	"constants":           true,
	"crypto":              true,
	"dgram":               true,
	"diagnostics_channel": true,
	"dns":                 true,
	"domain":              true,
	"events":              true,
	"fs":                  true,
	"http":                true,
	"http2":               true,
	"https":               true,
	"inspector":           true,
	"module":              true,
	"net":                 true,
	"os":                  true,
	"path":                true,
	"perf_hooks":          true,
	"process":             true,
	"punycode":            true,
	"querystring":         true,
	"readline":            true,
	"repl":                true,
	"stream":              true,
	"string_decoder":      true,
	"sys":                 true,
	"timers":              true,
	"tls":                 true,
	"trace_events":        true,
	"tty":                 true,
	"url":                 true,
	"util":                true,
	"v8":                  true,
	"vm":                  true,
	"wasi":                true,
	"worker_threads":      true,
	"zlib":                true,
}

// IsNodeBuiltin reports whether name is a Node.js core module. Both bare names
// ("fs", "fs/promises") and node:-prefixed names are accepted.
func IsNodeBuiltin(name string) bool {
	name = strings.TrimPrefix(name, "node:")
	if base, _, found := strings.Cut(name, "/"); found {
		return nodeBuiltins[base]
	}
	return nodeBuiltins[name]
}

// NodeBuiltinName extracts the module name from a node: specifier and reports
// whether it names a known builtin.
func NodeBuiltinName(s Specifier) (string, bool) {
	if s.Scheme() != SchemeNode {
		return "", false
	}
	name := strings.TrimPrefix(s.Path(), "/")
	return name, IsNodeBuiltin(name)
}

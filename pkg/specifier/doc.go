// SPDX-License-Identifier: MPL-2.0

// Package specifier provides the canonical absolute-URL representation of
// module identifiers used throughout modgraph.
//
// A Specifier is always an absolute URL with a recognized scheme (file, http,
// https, data, npm, node, jsr). Equality is by normalized string form:
// lowercase scheme and host, case-sensitive path. Specifiers are immutable
// values and are used as the universal map key in the module graph, the cache
// layer and the lockfile.
//
// All functions in this package are pure; nothing here touches the network or
// the filesystem.
package specifier

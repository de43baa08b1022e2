// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"sort"
)

// rawImport is one specifier discovered by the scanner, before resolution.
type rawImport struct {
	text    string
	offset  int
	dynamic bool
}

// scanImports extracts static and dynamic import specifiers from script
// source. It is a byte-level scanner, not a full parser: it understands
// comments, string literals and template literals well enough to avoid false
// positives inside them, and recognizes
//
//	import defaultExport from "x"
//	import { a, b } from "x"
//	import * as ns from "x"
//	import "x"
//	export { a } from "x"
//	export * from "x"
//	import("x")
//
// Anything it cannot make sense of it skips silently; a module with no
// recognizable imports simply has no edges.
func scanImports(code []byte) []rawImport {
	var out []rawImport
	i := 0
	for i < len(code) {
		c := code[i]

		switch {
		case c == '/' && hasPrefixAt(code, i, "//"):
			i = skipLineComment(code, i)
			continue
		case c == '/' && hasPrefixAt(code, i, "/*"):
			i = skipBlockComment(code, i)
			continue
		case c == '\'' || c == '"':
			i = skipString(code, i, c)
			continue
		case c == '`':
			i = skipTemplate(code, i)
			continue
		}

		if hasWordAt(code, i, "import") && identBoundaryBefore(code, i) {
			after := skipSpaces(code, i+len("import"))
			if after < len(code) && code[after] == '(' {
				if text, off, next, ok := parseCallArgument(code, after); ok {
					out = append(out, rawImport{text: text, offset: off, dynamic: true})
					i = next
					continue
				}
				i = after + 1
				continue
			}
			if text, off, next, ok := parseImportStatement(code, after); ok {
				out = append(out, rawImport{text: text, offset: off})
				i = next
				continue
			}
			i += len("import")
			continue
		}

		if hasWordAt(code, i, "export") && identBoundaryBefore(code, i) {
			after := skipSpaces(code, i+len("export"))
			if text, off, next, ok := parseExportFrom(code, after); ok {
				out = append(out, rawImport{text: text, offset: off})
				i = next
				continue
			}
			i += len("export")
			continue
		}

		i++
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].offset < out[b].offset })
	return out
}

// parseImportStatement handles everything after the `import` keyword except
// dynamic calls: an optional import clause followed by `from "spec"`, or a
// bare side-effect `import "spec"`.
func parseImportStatement(code []byte, i int) (text string, offset, next int, ok bool) {
	if i < len(code) && (code[i] == '\'' || code[i] == '"') {
		return parseStringAt(code, i)
	}

	// Skip the import clause up to the `from` keyword. Stop at statement
	// boundaries so a specifier-less statement never swallows the next one.
	depth := 0
	for i < len(code) {
		c := code[i]
		switch {
		case c == '{' || c == '(':
			depth++
			i++
		case c == '}' || c == ')':
			depth--
			i++
		case c == ';' || c == '\n':
			if depth == 0 {
				return "", 0, 0, false
			}
			i++
		case c == '\'' || c == '"':
			i = skipString(code, i, c)
		case hasWordAt(code, i, "from") && identBoundaryBefore(code, i) && depth == 0:
			j := skipSpaces(code, i+len("from"))
			if j < len(code) && (code[j] == '\'' || code[j] == '"') {
				return parseStringAt(code, j)
			}
			return "", 0, 0, false
		default:
			i++
		}
	}
	return "", 0, 0, false
}

// parseExportFrom recognizes `export ... from "spec"` re-exports. Local
// export declarations have no specifier and are skipped.
func parseExportFrom(code []byte, i int) (text string, offset, next int, ok bool) {
	depth := 0
	for i < len(code) {
		c := code[i]
		switch {
		case c == '{':
			depth++
			i++
		case c == '}':
			depth--
			i++
		case c == ';' || c == '\n':
			if depth == 0 {
				return "", 0, 0, false
			}
			i++
		case c == '\'' || c == '"':
			i = skipString(code, i, c)
		case hasWordAt(code, i, "from") && identBoundaryBefore(code, i) && depth == 0:
			j := skipSpaces(code, i+len("from"))
			if j < len(code) && (code[j] == '\'' || code[j] == '"') {
				return parseStringAt(code, j)
			}
			return "", 0, 0, false
		case c == '=' || c == '(':
			// `export default fn()` and friends never re-export.
			return "", 0, 0, false
		default:
			i++
		}
	}
	return "", 0, 0, false
}

// parseCallArgument extracts the string argument of import(...) when it is a
// plain literal. Computed arguments are not statically analyzable and are
// skipped.
func parseCallArgument(code []byte, i int) (text string, offset, next int, ok bool) {
	i = skipSpaces(code, i+1)
	if i >= len(code) || (code[i] != '\'' && code[i] != '"') {
		return "", 0, 0, false
	}
	t, off, after, ok := parseStringAt(code, i)
	if !ok {
		return "", 0, 0, false
	}
	after = skipSpaces(code, after)
	if after >= len(code) || code[after] != ')' {
		return "", 0, 0, false
	}
	return t, off, after + 1, true
}

func parseStringAt(code []byte, i int) (text string, offset, next int, ok bool) {
	quote := code[i]
	start := i + 1
	j := start
	for j < len(code) && code[j] != quote && code[j] != '\n' {
		j++
	}
	if j >= len(code) || code[j] != quote {
		return "", 0, 0, false
	}
	return string(code[start:j]), start, j + 1, true
}

func skipLineComment(code []byte, i int) int {
	for i < len(code) && code[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(code []byte, i int) int {
	i += 2
	for i+1 < len(code) {
		if code[i] == '*' && code[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(code)
}

func skipString(code []byte, i int, quote byte) int {
	i++
	for i < len(code) {
		switch code[i] {
		case '\\':
			i += 2
		case quote, '\n':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipTemplate(code []byte, i int) int {
	i++
	for i < len(code) {
		switch code[i] {
		case '\\':
			i += 2
		case '`':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(code []byte, i int) int {
	for i < len(code) && isWhiteSpace(code[i]) {
		i++
	}
	return i
}

func isWhiteSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentChar(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_' || c == '$'
}

func hasPrefixAt(code []byte, i int, s string) bool {
	if i+len(s) > len(code) {
		return false
	}
	for j := 0; j < len(s); j++ {
		if code[i+j] != s[j] {
			return false
		}
	}
	return true
}

// hasWordAt reports whether the keyword occurs at i with an identifier
// boundary after it.
func hasWordAt(code []byte, i int, s string) bool {
	if !hasPrefixAt(code, i, s) {
		return false
	}
	end := i + len(s)
	return end >= len(code) || !isIdentChar(code[end])
}

// identBoundaryBefore reports whether position i starts a fresh token, so
// `reimport` never matches `import`.
func identBoundaryBefore(code []byte, i int) bool {
	if i == 0 {
		return true
	}
	prev := code[i-1]
	return !isIdentChar(prev) && prev != '.'
}

// lineCol converts a byte offset to 1-based line and column.
func lineCol(code []byte, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(code); i++ {
		if code[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

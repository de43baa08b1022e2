// SPDX-License-Identifier: MPL-2.0

package specifier

import (
	"path"
	"strings"
)

// MediaType classifies module content for the graph builder. It decides which
// parser (if any) handles a module, independent of how the bytes arrived.
type MediaType string

const (
	MediaTypeJavaScript MediaType = "application/javascript"
	MediaTypeTypeScript MediaType = "application/typescript"
	MediaTypeJSX        MediaType = "text/jsx"
	MediaTypeTSX        MediaType = "text/tsx"
	MediaTypeJSON       MediaType = "application/json"
	MediaTypeWasm       MediaType = "application/wasm"
	MediaTypeUnknown    MediaType = ""
)

// IsScript reports whether the media type carries import statements to scan.
func (m MediaType) IsScript() bool {
	switch m {
	case MediaTypeJavaScript, MediaTypeTypeScript, MediaTypeJSX, MediaTypeTSX:
		return true
	default:
		return false
	}
}

var extMediaTypes = map[string]MediaType{
	".js":   MediaTypeJavaScript,
	".mjs":  MediaTypeJavaScript,
	".cjs":  MediaTypeJavaScript,
	".ts":   MediaTypeTypeScript,
	".mts":  MediaTypeTypeScript,
	".cts":  MediaTypeTypeScript,
	".jsx":  MediaTypeJSX,
	".tsx":  MediaTypeTSX,
	".json": MediaTypeJSON,
	".wasm": MediaTypeWasm,
}

// MediaTypeFromContentType maps an HTTP Content-Type header value to a module
// media type. Parameters are ignored. Unknown types return MediaTypeUnknown so
// the caller can fall back to the path extension.
func MediaTypeFromContentType(contentType string) MediaType {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))

	switch ct {
	case "application/javascript", "text/javascript", "application/ecmascript", "text/ecmascript":
		return MediaTypeJavaScript
	case "application/typescript", "text/typescript", "video/mp2t":
		return MediaTypeTypeScript
	case "text/jsx":
		return MediaTypeJSX
	case "text/tsx":
		return MediaTypeTSX
	case "application/json", "text/json":
		return MediaTypeJSON
	case "application/wasm":
		return MediaTypeWasm
	default:
		return MediaTypeUnknown
	}
}

// MediaTypeOf determines the media type of a specifier, preferring the HTTP
// Content-Type header (remote modules) and falling back to the path extension.
func MediaTypeOf(s Specifier, contentType string) MediaType {
	if contentType != "" {
		if mt := MediaTypeFromContentType(contentType); mt != MediaTypeUnknown {
			return mt
		}
	}
	return extMediaTypes[strings.ToLower(path.Ext(s.Path()))]
}

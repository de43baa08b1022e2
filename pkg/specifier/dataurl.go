// SPDX-License-Identifier: MPL-2.0

package specifier

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDataURL reports a data: specifier whose payload cannot be decoded.
var ErrInvalidDataURL = errors.New("invalid data URL")

// DefaultDataMediaType is assumed when a data URL omits its media type.
const DefaultDataMediaType = "text/plain"

// DecodeDataURL decodes a data: specifier into its media type and raw bytes.
// Both the base64 form ("data:text/javascript;base64,...") and the
// percent-encoded form ("data:text/javascript,...") are supported. Media type
// parameters (";charset=utf-8") are dropped.
func DecodeDataURL(s Specifier) (mediaType string, data []byte, err error) {
	if s.Scheme() != SchemeData {
		return "", nil, fmt.Errorf("%w: scheme %q is not data", ErrInvalidDataURL, s.Scheme())
	}

	payload := s.Path()
	meta, body, found := strings.Cut(payload, ",")
	if !found {
		return "", nil, fmt.Errorf("%w: missing comma separator", ErrInvalidDataURL)
	}

	base64Encoded := false
	if stripped, ok := strings.CutSuffix(meta, ";base64"); ok {
		base64Encoded = true
		meta = stripped
	}

	mediaType = meta
	if params := strings.IndexByte(mediaType, ';'); params >= 0 {
		mediaType = mediaType[:params]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType == "" {
		mediaType = DefaultDataMediaType
	}

	if base64Encoded {
		data, err = base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", nil, fmt.Errorf("%w: base64 payload: %v", ErrInvalidDataURL, err)
		}
		return mediaType, data, nil
	}

	decoded, err := url.PathUnescape(body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: percent-encoded payload: %v", ErrInvalidDataURL, err)
	}
	return mediaType, []byte(decoded), nil
}

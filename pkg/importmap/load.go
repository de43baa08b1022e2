// SPDX-License-Identifier: MPL-2.0

package importmap

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"modgraph/pkg/specifier"
)

// LoadFile reads and parses an import map from a local file. The document's
// base URL is the file's own location, so relative targets resolve next to it.
func LoadFile(fs afero.Fs, path string) (*ImportMap, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportMap, err)
	}

	data, err := afero.ReadFile(fs, abs)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidImportMap, abs, err)
	}

	base, err := specifier.Parse("file://"+filepath.ToSlash(abs), specifier.Specifier{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportMap, err)
	}

	return Parse(data, base)
}

// LoadDataURL parses an import map embedded in a data: specifier. Relative
// targets are not resolvable from a data URL, so the document must use
// absolute targets; base resolution errors surface as ErrInvalidImportMap.
func LoadDataURL(s specifier.Specifier) (*ImportMap, error) {
	_, data, err := specifier.DecodeDataURL(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportMap, err)
	}
	return Parse(data, s)
}

// Package libraries holds the Rego helpers available to every transform
// policy under data.propack.lib.
package libraries

import (
	"embed"
	"io/fs"
	"path"
)

//go:embed *.rego
var fs_ embed.FS

// Modules returns the library sources keyed by module name.
func Modules() (map[string]string, error) {
	files, err := fs.Glob(fs_, "*.rego")
	if err != nil {
		return nil, err
	}

	modules := make(map[string]string, len(files))
	for _, name := range files {
		bs, err := fs.ReadFile(fs_, name)
		if err != nil {
			return nil, err
		}
		modules[path.Join("libraries", name)] = string(bs)
	}
	return modules, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// ParseFiles parses a project split over several files or directories of
// YAML files. Relative paths resolve against the directory of the first
// file.
func ParseFiles(configFiles []string) (*Root, error) {
	switch len(configFiles) {
	case 0:
		return nil, errors.New("no configuration file")
	case 1:
		if fi, err := os.Stat(configFiles[0]); err == nil && !fi.IsDir() {
			return ParseFile(configFiles[0])
		}
	}

	bs, err := Merge(configFiles, true)
	if err != nil {
		return nil, err
	}

	root, err := Parse(bs)
	if err != nil {
		return nil, err
	}

	dir := configFiles[0]
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	if root.dir, err = filepath.Abs(dir); err != nil {
		return nil, err
	}
	return root, nil
}

// Merge combines configuration files. Directories contribute their .yaml,
// .yml and .json files in lexical order. Mappings merge recursively and
// sequences are concatenated; with conflictError, differing scalars for the
// same path are an error, otherwise later files win.
func Merge(configFiles []string, conflictError bool) ([]byte, error) {

	var paths []string
	for _, f := range configFiles {
		if err := filepath.WalkDir(f, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if path != f && !slices.Contains([]string{".yaml", ".yml", ".json"}, filepath.Ext(path)) {
				return nil
			}
			paths = append(paths, path)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	docs := make([]map[string]any, 0, len(paths))
	for _, f := range paths {
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %v: %v", f, err)
		}
		var x map[string]any
		if err := yaml.Unmarshal(bs, &x); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration file %v: %v", f, err)
		}
		docs = append(docs, x)
	}

	merged, err := merge(docs, "", conflictError)
	if err != nil {
		return nil, err
	}

	bs, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged configuration: %v", err)
	}

	return bs, nil
}

func merge(docs []map[string]any, path string, conflictError bool) (map[string]any, error) {
	result := make(map[string]any)
	for _, doc := range docs {
		for _, key := range slices.Sorted(maps.Keys(doc)) { // Sort keys to ensure deterministic merge errors.
			value := doc[key]
			if existing, ok := result[key]; ok {
				if existingMap, ok1 := existing.(map[string]any); ok1 {
					if valueMap, ok2 := value.(map[string]any); ok2 {
						var err error
						result[key], err = merge([]map[string]any{existingMap, valueMap}, path+"/"+key, conflictError)
						if err != nil {
							return nil, err
						}
						continue
					}
				}
				if existingList, ok1 := existing.([]any); ok1 {
					if valueList, ok2 := value.([]any); ok2 {
						result[key] = append(slices.Clone(existingList), valueList...)
						continue
					}
				}

				if conflictError && !reflect.DeepEqual(existing, value) {
					return nil, fmt.Errorf("conflict for config path %s", path+"/"+key)
				}
			}
			result[key] = value
		}
	}
	return result, nil
}

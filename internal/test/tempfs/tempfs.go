// Package tempfs writes file maps to temporary directories for tests.
package tempfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WithTempFS writes files below a fresh temporary directory and calls f with
// its path. Keys are slash-separated and may start with "/".
func WithTempFS(t *testing.T, files map[string]string, f func(t *testing.T, root string)) {
	t.Helper()
	root := t.TempDir()
	Write(t, root, files)
	f(t, root)
}

// Write adds files below root, creating parent directories.
func Write(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(name, "/")))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

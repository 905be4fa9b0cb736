package service_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/propack/propack/internal/builder"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/service"
	"github.com/propack/propack/internal/test/tempfs"
	"github.com/propack/propack/pkg/manifest"
)

const project = `
name: demo
version: 'concat("-", [input.name, input.packs.base])'
target: 1.21.4
excluded_files: ["**/.*"]
cache: {}
packs:
- id: base
  version: 2.0.0
  roots:
  - path: base
- id: overlay
  requirements:
  - pack: base
  roots:
  - path: overlay
    prefix: assets/demo
`

func pngOf(t *testing.T, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func files(t *testing.T) map[string]string {
	return map[string]string{
		"propack.yaml":                        project,
		"base/assets/demo/textures/stone.png": pngOf(t, color.NRGBA{R: 1, A: 255}),
		"base/assets/demo/lang/en_us.json":    `{"block.stone": "Stone"}`,
		"base/assets/demo/.hidden":            "skipped",
		"overlay/textures/stone.png":          pngOf(t, color.NRGBA{G: 1, A: 255}),
		"overlay/models/block/stone.json":     `{"parent": "block/cube_all"}`,
	}
}

func paths(m *manifest.Manifest) []string {
	var out []string
	for _, e := range m.Entries {
		out = append(out, e.Path)
	}
	return out
}

func TestProjectBuild(t *testing.T) {
	tempfs.WithTempFS(t, files(t), func(t *testing.T, dir string) {
		root, err := config.ParseFile(filepath.Join(dir, "propack.yaml"))
		if err != nil {
			t.Fatal(err)
		}

		var states []builder.State
		p := service.NewProject(root, logging.NewNop()).WithStateHook(func(s builder.State) {
			states = append(states, s)
		})

		result, err := p.Build(t.Context())
		if err != nil {
			t.Fatal(err)
		}

		if result.Archive != filepath.Join(dir, "build", "demo.zip") {
			t.Fatalf("unexpected archive %s", result.Archive)
		}
		if _, err := os.Stat(result.Archive); err != nil {
			t.Fatal(err)
		}
		if result.Manifest.Version != "demo-2.0.0" {
			t.Fatalf("unexpected version %q", result.Manifest.Version)
		}

		exp := []string{
			"assets/demo/lang/en_us.json",
			"assets/demo/models/block/stone.json",
			"assets/demo/textures/stone.png",
		}
		if diff := cmp.Diff(exp, paths(result.Manifest)); diff != "" {
			t.Fatalf("unexpected entries (-want, +got):\n%s", diff)
		}
		if len(result.Overrides) != 1 || result.Overrides[0].Path != "assets/demo/textures/stone.png" {
			t.Fatalf("unexpected overrides %v", result.Overrides)
		}
		if states[len(states)-1] != builder.Done {
			t.Fatalf("unexpected final state %v", states[len(states)-1])
		}

		again, err := p.Build(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if again.Hits != 3 || again.Misses != 0 {
			t.Fatalf("expected a warm cache, got %d hits and %d misses", again.Hits, again.Misses)
		}
		if again.SHA1 != result.SHA1 {
			t.Fatal("rebuild changed the archive")
		}
	})
}

func TestProjectErrors(t *testing.T) {
	for _, tc := range []struct {
		note    string
		project string
		err     string
	}{
		{
			note:    "missing policy",
			project: "name: demo\nprocessing:\n  transforms: [{query: data.x, policies: [nope.rego]}]\npacks: [{id: a, roots: [{path: base}]}]\n",
			err:     "nope.rego",
		},
		{
			note:    "missing root",
			project: "name: demo\npacks: [{id: a, roots: [{path: nowhere}]}]\n",
			err:     "nowhere",
		},
		{
			note:    "undefined version",
			project: "name: demo\nversion: input.packs.zzz\npacks: [{id: a, roots: [{path: base}]}]\n",
			err:     "version",
		},
		{
			note:    "unknown dependency",
			project: "name: demo\npacks: [{id: a, requirements: [{pack: b}], roots: [{path: base}]}]\n",
			err:     `"b"`,
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			fs := files(t)
			fs["propack.yaml"] = tc.project
			tempfs.WithTempFS(t, fs, func(t *testing.T, dir string) {
				root, err := config.ParseFile(filepath.Join(dir, "propack.yaml"))
				if err != nil {
					t.Fatal(err)
				}
				_, err = service.NewProject(root, logging.NewNop()).Build(t.Context())
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("expected error containing %q, got %v", tc.err, err)
				}
			})
		})
	}
}

func TestWatch(t *testing.T) {
	tempfs.WithTempFS(t, files(t), func(t *testing.T, dir string) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		builds := make(chan service.Status, 8)
		done := make(chan error, 1)
		go func() {
			done <- service.Watch(ctx, filepath.Join(dir, "propack.yaml"), logging.NewNop(), service.WatchOptions{
				Interval: time.Hour,
				Debounce: 50 * time.Millisecond,
				OnBuild:  func(s service.Status) { builds <- s },
			})
		}()

		next := func() service.Status {
			t.Helper()
			select {
			case s := <-builds:
				if s.State != service.BuildStateSuccess {
					t.Fatalf("build failed: %s", s.Message)
				}
				return s
			case <-time.After(10 * time.Second):
				t.Fatal("no build")
			}
			return service.Status{}
		}

		first := next()
		if len(first.Delta.Added) != 3 {
			t.Fatalf("expected every entry to be added, got %v", first.Delta)
		}

		tempfs.Write(t, dir, map[string]string{"base/assets/demo/lang/en_us.json": `{"block.stone": "Rock"}`})

		second := next()
		if len(second.Delta.Changed) != 1 || second.Delta.Changed[0].Path != "assets/demo/lang/en_us.json" {
			t.Fatalf("unexpected delta %+v", second.Delta)
		}

		tempfs.Write(t, dir, map[string]string{"propack.yaml": project + "description: Renamed\n"})

		third := next()
		if !third.Delta.Empty() {
			t.Fatalf("expected unchanged entries after a config change, got %+v", third.Delta)
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("watch did not stop")
		}
	})
}

package httpsync

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/propack/propack/internal/config"
)

const archive = "PK\x05\x06\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

func readFile(t *testing.T, path string) string {
	t.Helper()
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}

func TestSynchronizerDownload(t *testing.T) {
	var requests, notModified atomic.Int32
	var contents atomic.Value
	contents.Store(archive)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		body := contents.Load().(string)
		etag := fmt.Sprintf(`"%d"`, len(body))
		if r.Header.Get("If-None-Match") == etag {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	file := filepath.Join(t.TempDir(), "checkouts", "pack.zip")
	s := New(file, config.HTTP{URL: ts.URL + "/pack.zip"}, "overlay")

	if err := s.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}
	if readFile(t, file) != archive {
		t.Fatal("downloaded data does not match expected contents")
	}

	if err := s.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 2 || notModified.Load() != 1 {
		t.Fatalf("expected a conditional request, got %d requests and %d not modified", requests.Load(), notModified.Load())
	}

	contents.Store(archive + "comment")
	if err := s.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}
	if readFile(t, file) != archive+"comment" {
		t.Fatal("expected the changed archive")
	}
}

func TestSynchronizerBadStatusKeepsArchive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "pack.zip")
	if err := os.WriteFile(file, []byte(archive), 0o644); err != nil {
		t.Fatal(err)
	}

	err := New(file, config.HTTP{URL: ts.URL}, "overlay").Execute(t.Context())
	if err == nil || !errors.Is(err, ErrSync) || !strings.Contains(err.Error(), "unsuccessful status code 404") {
		t.Fatalf("expected a sync error with the status code, got %v", err)
	}
	if readFile(t, file) != archive {
		t.Fatal("expected the previous archive to survive")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no leftover downloads, got %v", entries)
	}
}

func TestSynchronizerCredentials(t *testing.T) {
	t.Setenv("PROPACK_TEST_TOKEN", "t0k3n")
	t.Setenv("PROPACK_TEST_TENANT", "demo")

	for _, tc := range []struct {
		note    string
		secrets string
		headers map[string]string
		check   func(*http.Request) bool
		err     string
	}{
		{
			note:    "basic auth with headers",
			secrets: "creds: {type: basic_auth, username: u, password: p, headers: ['X-Pack: overlay']}",
			check: func(r *http.Request) bool {
				u, p, ok := r.BasicAuth()
				return ok && u == "u" && p == "p" && r.Header.Get("X-Pack") == "overlay"
			},
		},
		{
			note:    "bearer token",
			secrets: "creds: {type: token_auth, token: '${PROPACK_TEST_TOKEN}'}",
			check: func(r *http.Request) bool {
				return r.Header.Get("Authorization") == "Bearer t0k3n"
			},
		},
		{
			note:    "configured headers",
			headers: map[string]string{"X-Tenant": "${PROPACK_TEST_TENANT}", "X-Empty": ""},
			check: func(r *http.Request) bool {
				_, empty := r.Header["X-Empty"]
				return r.Header.Get("X-Tenant") == "demo" && !empty
			},
		},
		{
			note:    "unsupported secret",
			secrets: "creds: {type: ssh_key, key: KEY}",
			err:     "unsupported secret type",
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.check != nil && !tc.check(r) {
					http.Error(w, "denied", http.StatusUnauthorized)
					return
				}
				_, _ = w.Write([]byte(archive))
			}))
			defer ts.Close()

			cfg := config.HTTP{URL: ts.URL, Headers: tc.headers}
			if tc.secrets != "" {
				root, err := config.Parse([]byte("name: demo\npacks:\n- id: overlay\n  roots:\n  - http: {url: '" + ts.URL + "', credentials: creds}\nsecrets:\n  " + tc.secrets + "\n"))
				if err != nil {
					t.Fatal(err)
				}
				cfg = *root.Packs[0].Roots[0].HTTP
				cfg.Headers = tc.headers
			}

			err := New(filepath.Join(t.TempDir(), "pack.zip"), cfg, "overlay").Execute(t.Context())
			if tc.err != "" {
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("expected error containing %q, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

package cache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/cache"
	"github.com/propack/propack/internal/hasher"
	"github.com/propack/propack/internal/logging"
)

func open(t *testing.T, dir string, mod func(*cache.Options)) *cache.Cache {
	t.Helper()
	opts := cache.Options{Dir: dir, Log: logging.NewNop()}
	if mod != nil {
		mod(&opts)
	}
	c, err := cache.Open(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func key(src, cfg string) cache.Key {
	return cache.Key{Source: hasher.Sum([]byte(src)), Config: hasher.Config(cfg)}
}

var tex = &asset.Asset{Path: "assets/m/textures/a.png", Kind: asset.Texture}

func TestPutGet(t *testing.T) {
	for _, comp := range []cache.Compression{cache.None, cache.Zstd, cache.LZ4} {
		t.Run(string(comp), func(t *testing.T) {
			dir := t.TempDir()
			c := open(t, dir, func(o *cache.Options) { o.Compression = comp })

			k := key("source", "config")
			if _, ok := c.Get(t.Context(), k); ok {
				t.Fatal("expected miss")
			}

			payload := []byte("processed payload processed payload processed payload")
			if err := c.Put(t.Context(), k, tex, payload); err != nil {
				t.Fatal(err)
			}

			got, ok := c.Get(t.Context(), k)
			if !ok {
				t.Fatal("expected hit")
			}
			if diff := cmp.Diff(payload, got); diff != "" {
				t.Fatalf("unexpected payload (-want, +got):\n%s", diff)
			}

			if _, ok := c.Get(t.Context(), key("source", "other config")); ok {
				t.Fatal("expected miss for another configuration")
			}

			if c.Hits() != 1 || c.Misses() != 2 {
				t.Fatalf("unexpected counters: %d hits, %d misses", c.Hits(), c.Misses())
			}
		})
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	k := key("s", "c")

	c, err := cache.Open(t.Context(), cache.Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(t.Context(), k, tex, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c = open(t, dir, nil)
	if got, ok := c.Get(t.Context(), k); !ok || string(got) != "payload" {
		t.Fatalf("expected hit, got %q, %v", got, ok)
	}
}

func TestCorruptionIsMiss(t *testing.T) {
	dir := t.TempDir()
	c := open(t, dir, func(o *cache.Options) { o.Compression = cache.None })

	corrupt := func(k cache.Key, mutate func(path string)) {
		t.Helper()
		if err := c.Put(t.Context(), k, tex, []byte("payload")); err != nil {
			t.Fatal(err)
		}
		name := k.Name()
		mutate(filepath.Join(dir, "objects", name[:2], name))

		if _, ok := c.Get(t.Context(), k); ok {
			t.Fatal("expected miss")
		}
		// evicted: a fresh put and get works again
		if err := c.Put(t.Context(), k, tex, []byte("payload")); err != nil {
			t.Fatal(err)
		}
		if _, ok := c.Get(t.Context(), k); !ok {
			t.Fatal("expected hit after re-put")
		}
	}

	corrupt(key("a", "c"), func(p string) {
		if err := os.WriteFile(p, []byte("tampered"), 0o644); err != nil {
			t.Fatal(err)
		}
	})
	corrupt(key("b", "c"), func(p string) {
		if err := os.Remove(p); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCorruptCompressedBlob(t *testing.T) {
	dir := t.TempDir()
	c := open(t, dir, func(o *cache.Options) { o.Compression = cache.Zstd })

	k := key("a", "c")
	if err := c.Put(t.Context(), k, tex, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	name := k.Name()
	if err := os.WriteFile(filepath.Join(dir, "objects", name[:2], name), []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(t.Context(), k); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryLayer(t *testing.T) {
	dir := t.TempDir()
	c := open(t, dir, func(o *cache.Options) { o.MemoryEntries = 8 })

	k := key("a", "c")
	if err := c.Put(t.Context(), k, tex, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	// Served from memory even when the blob is gone.
	name := k.Name()
	if err := os.Remove(filepath.Join(dir, "objects", name[:2], name)); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(t.Context(), k)
	if !ok || string(got) != "payload" {
		t.Fatalf("expected memory hit, got %q, %v", got, ok)
	}

	// Callers may modify returned payloads.
	got[0] = 'X'
	if again, _ := c.Get(t.Context(), k); string(again) != "payload" {
		t.Fatalf("memory layer was modified: %q", again)
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	first := open(t, dir, nil)

	_, err := cache.Open(t.Context(), cache.Options{Dir: dir})
	if !errors.Is(err, cache.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	_, err = cache.Open(ctx, cache.Options{Dir: dir, WaitForLock: true})
	if !errors.Is(err, cache.ErrLocked) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrLocked after waiting, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	second, err := cache.Open(t.Context(), cache.Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	second.Close()
}

func TestWaitForLock(t *testing.T) {
	dir := t.TempDir()
	first, err := cache.Open(t.Context(), cache.Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		first.Close()
	}()

	second, err := cache.Open(t.Context(), cache.Options{Dir: dir, WaitForLock: true})
	if err != nil {
		t.Fatal(err)
	}
	second.Close()
}

func TestStatsAndPrune(t *testing.T) {
	c := open(t, t.TempDir(), nil)

	model := &asset.Asset{Path: "assets/m/models/a.json", Kind: asset.Model}
	for i, a := range []*asset.Asset{tex, tex, model} {
		if err := c.Put(t.Context(), key(string(rune('a'+i)), "c"), a, []byte("0123456789")); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := c.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Kind != "model" || stats[1].Kind != "texture" || stats[1].Entries != 2 || stats[1].Size != 20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	n, err := c.Prune(t.Context(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected nothing pruned, got %d", n)
	}

	n, err = c.Prune(t.Context(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pruned, got %d", n)
	}
	if _, ok := c.Get(t.Context(), key("a", "c")); ok {
		t.Fatal("expected miss after prune")
	}
}

func TestBuilds(t *testing.T) {
	c := open(t, t.TempDir(), nil)

	for _, v := range []string{"1.0.0", "1.1.0"} {
		if err := c.RecordBuild(t.Context(), cache.Build{Pack: "pack", Version: v, Digest: "d", SHA1: "s", Assets: 3}); err != nil {
			t.Fatal(err)
		}
	}

	builds, err := c.Builds(t.Context(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 || builds[0].Version != "1.1.0" || builds[0].Assets != 3 {
		t.Fatalf("unexpected builds: %+v", builds)
	}
}

func TestParseCompression(t *testing.T) {
	if c, err := cache.ParseCompression(""); err != nil || c != cache.Zstd {
		t.Fatalf("got %v, %v", c, err)
	}
	if _, err := cache.ParseCompression("gzip"); err == nil {
		t.Fatal("expected error")
	}
}

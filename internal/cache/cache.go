// Package cache stores processed payloads across builds, keyed by the digest
// of the source payload and the digest of the transform configuration. The
// cache is an optimization only: anything unreadable is treated as a miss.
package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/achille-roussel/sqlrange"
	lru "github.com/hashicorp/golang-lru"
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	"modernc.org/sqlite"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/hasher"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/metrics"
	"github.com/propack/propack/internal/migrations"
)

// ErrLocked is returned by Open when another build owns the cache directory.
var ErrLocked = errors.New("cache directory is locked by another build")

const (
	indexFile  = "index.db"
	lockFile   = "lock"
	objectsDir = "objects"

	lockPollInterval = 100 * time.Millisecond
)

// Key addresses a cache entry.
type Key struct {
	Source hasher.Digest
	Config hasher.Digest
}

// Name is the blob file name of the entry.
func (k Key) Name() string {
	return hasher.Combine(k.Source, k.Config).String()
}

type Options struct {
	Dir         string
	Compression Compression

	// MemoryEntries sizes the in-memory layer; 0 disables it.
	MemoryEntries int

	// WaitForLock makes Open wait for the lock instead of failing with
	// ErrLocked.
	WaitForLock bool

	Log *logging.Logger
}

// Cache is owned by a single build. It is safe for concurrent use by the
// workers of that build.
type Cache struct {
	dir  string
	comp Compression
	db   *sql.DB
	lock *fileLock
	mem  *lru.Cache
	log  *logging.Logger

	keys sync.Map // Key -> *sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// Open acquires the cache directory and migrates its index.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache: no directory")
	}
	comp := opts.Compression
	if comp == "" {
		comp = Zstd
	}
	if _, err := ParseCompression(string(comp)); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(opts.Dir, objectsDir), 0o755); err != nil {
		return nil, err
	}

	lock, err := acquire(ctx, filepath.Join(opts.Dir, lockFile), opts.WaitForLock)
	if err != nil {
		return nil, err
	}

	c := &Cache{dir: opts.Dir, comp: comp, lock: lock, log: opts.Log}

	if err := c.openIndex(); err != nil {
		lock.release()
		return nil, err
	}

	if opts.MemoryEntries > 0 {
		c.mem, err = lru.New(opts.MemoryEntries)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

func acquire(ctx context.Context, path string, wait bool) (*fileLock, error) {
	for {
		lock, err := tryLock(path)
		if err == nil || !errors.Is(err, ErrLocked) || !wait {
			return lock, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (c *Cache) openIndex() error {
	dsn := "file:" + filepath.Join(c.dir, indexFile) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	c.db = sqldblogger.OpenDriver(dsn, &sqlite.Driver{}, zerologadapter.New(c.log.Zerolog()),
		sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
		sqldblogger.WithExecerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithQueryerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithPreparerLevel(sqldblogger.LevelDebug),
		sqldblogger.WithLogArguments(false),
	)

	// A single connection serializes all access to the index.
	c.db.SetMaxOpenConns(1)

	if err := c.db.Ping(); err != nil {
		c.db.Close()
		return fmt.Errorf("cache: open index: %w", err)
	}
	if err := migrations.Up(c.db); err != nil {
		c.db.Close()
		return err
	}
	return nil
}

// Close releases the index and the directory lock.
func (c *Cache) Close() error {
	var errs []error
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	errs = append(errs, c.lock.release())
	return errors.Join(errs...)
}

func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }

func (c *Cache) lockKey(k Key) func() {
	m, _ := c.keys.LoadOrStore(k, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Cache) blobPath(k Key) string {
	name := k.Name()
	return filepath.Join(c.dir, objectsDir, name[:2], name)
}

type entryRow struct {
	Digest      string `sql:"digest"`
	Size        int64  `sql:"size"`
	Compression string `sql:"compression"`
}

// Get returns the payload stored under k. Missing, unreadable and corrupt
// entries are misses; corrupt entries are evicted.
func (c *Cache) Get(ctx context.Context, k Key) ([]byte, bool) {
	defer c.lockKey(k)()

	if c.mem != nil {
		if v, ok := c.mem.Get(k); ok {
			c.hits.Add(1)
			metrics.CacheHit()
			return bytes.Clone(v.([]byte)), true
		}
	}

	data, err := c.load(ctx, k)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			c.log.Warnf("cache: evicting %s: %v", k.Name(), err)
			c.evict(ctx, k)
			metrics.CacheEvicted()
		}
		c.misses.Add(1)
		metrics.CacheMiss()
		return nil, false
	}

	if _, err := c.db.ExecContext(ctx, `UPDATE entries SET last_used = ? WHERE source_digest = ? AND config_digest = ?`,
		time.Now().Unix(), k.Source.String(), k.Config.String()); err != nil {
		c.log.Debugf("cache: touch %s: %v", k.Name(), err)
	}

	if c.mem != nil {
		c.mem.Add(k, bytes.Clone(data))
	}
	c.hits.Add(1)
	metrics.CacheHit()
	return data, true
}

func (c *Cache) load(ctx context.Context, k Key) ([]byte, error) {
	var row entryRow
	err := c.db.QueryRowContext(ctx, `SELECT digest, size, compression FROM entries WHERE source_digest = ? AND config_digest = ?`,
		k.Source.String(), k.Config.String()).Scan(&row.Digest, &row.Size, &row.Compression)
	if err != nil {
		return nil, err
	}

	want, err := hasher.Parse(row.Digest)
	if err != nil {
		return nil, err
	}

	stored, err := os.ReadFile(c.blobPath(k))
	if err != nil {
		return nil, err
	}

	data, err := decompress(Compression(row.Compression), stored)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != row.Size || hasher.Sum(data) != want {
		return nil, errors.New("digest mismatch")
	}
	return data, nil
}

func (c *Cache) evict(ctx context.Context, k Key) {
	if c.mem != nil {
		c.mem.Remove(k)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE source_digest = ? AND config_digest = ?`,
		k.Source.String(), k.Config.String()); err != nil {
		c.log.Debugf("cache: evict %s: %v", k.Name(), err)
	}
	if err := os.Remove(c.blobPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Debugf("cache: evict %s: %v", k.Name(), err)
	}
}

// Put stores the processed payload of a.
func (c *Cache) Put(ctx context.Context, k Key, a *asset.Asset, data []byte) error {
	defer c.lockKey(k)()

	stored, err := compress(c.comp, data)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(c.blobPath(k), stored); err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO entries (source_digest, config_digest, digest, size, stored_size, compression, path, kind, last_used)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_digest, config_digest) DO UPDATE SET
	digest = excluded.digest, size = excluded.size, stored_size = excluded.stored_size,
	compression = excluded.compression, path = excluded.path, kind = excluded.kind, last_used = excluded.last_used`,
		k.Source.String(), k.Config.String(), hasher.Sum(data).String(), len(data), len(stored), string(c.comp),
		a.Path, string(a.Kind), time.Now().Unix())
	if err != nil {
		return err
	}

	if c.mem != nil {
		c.mem.Add(k, bytes.Clone(data))
	}
	return nil
}

// Entry describes a stored payload.
type Entry struct {
	SourceDigest string `sql:"source_digest"`
	ConfigDigest string `sql:"config_digest"`
	Digest       string `sql:"digest"`
	Size         int64  `sql:"size"`
	StoredSize   int64  `sql:"stored_size"`
	Compression  string `sql:"compression"`
	Path         string `sql:"path"`
	Kind         string `sql:"kind"`
	LastUsed     int64  `sql:"last_used"`
}

// Entries lists the index, least recently used first.
func (c *Cache) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return sqlrange.QueryContext[Entry](ctx, c.db,
		`SELECT source_digest, config_digest, digest, size, stored_size, compression, COALESCE(path, '') AS path, COALESCE(kind, '') AS kind, last_used
FROM entries ORDER BY last_used, source_digest, config_digest`)
}

// KindStats aggregates the entries of one asset kind.
type KindStats struct {
	Kind       string `sql:"kind"`
	Entries    int64  `sql:"entries"`
	Size       int64  `sql:"size"`
	StoredSize int64  `sql:"stored_size"`
}

func (c *Cache) Stats(ctx context.Context) ([]KindStats, error) {
	var stats []KindStats
	for s, err := range sqlrange.QueryContext[KindStats](ctx, c.db,
		`SELECT COALESCE(kind, '') AS kind, COUNT(*) AS entries, COALESCE(SUM(size), 0) AS size, COALESCE(SUM(stored_size), 0) AS stored_size
FROM entries GROUP BY kind ORDER BY kind`) {
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// Prune removes the entries not used since before.
func (c *Cache) Prune(ctx context.Context, before time.Time) (int, error) {
	var stale []Key
	for e, err := range c.Entries(ctx) {
		if err != nil {
			return 0, err
		}
		if e.LastUsed >= before.Unix() {
			break
		}
		src, err1 := hasher.Parse(e.SourceDigest)
		cfg, err2 := hasher.Parse(e.ConfigDigest)
		if err := errors.Join(err1, err2); err != nil {
			return 0, err
		}
		stale = append(stale, Key{Source: src, Config: cfg})
	}

	for _, k := range stale {
		unlock := c.lockKey(k)
		c.evict(ctx, k)
		unlock()
	}
	return len(stale), nil
}

// Build is a finished build recorded in the cache index.
type Build struct {
	ID        int64  `sql:"id"`
	Pack      string `sql:"pack"`
	Version   string `sql:"version"`
	Digest    string `sql:"digest"`
	SHA1      string `sql:"sha1"`
	Assets    int64  `sql:"assets"`
	Hits      int64  `sql:"hits"`
	Misses    int64  `sql:"misses"`
	CreatedAt string `sql:"created_at"`
}

func (c *Cache) RecordBuild(ctx context.Context, b Build) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO builds (pack, version, digest, sha1, assets, hits, misses) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Pack, b.Version, b.Digest, b.SHA1, b.Assets, b.Hits, b.Misses)
	return err
}

// Builds lists the most recent builds first.
func (c *Cache) Builds(ctx context.Context, limit int) ([]Build, error) {
	var builds []Build
	for b, err := range sqlrange.QueryContext[Build](ctx, c.db,
		`SELECT id, pack, COALESCE(version, '') AS version, digest, sha1, assets, hits, misses, CAST(created_at AS TEXT) AS created_at
FROM builds ORDER BY id DESC LIMIT ?`, limit) {
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, nil
}

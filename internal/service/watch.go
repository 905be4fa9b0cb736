package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/propack/propack/internal/config"
	pfs "github.com/propack/propack/internal/fs"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/pool"
)

const defaultDebounce = 300 * time.Millisecond

type WatchOptions struct {
	// Interval between builds without changes, which picks up new commits
	// of git roots. It overrides the interval of the project file.
	Interval time.Duration

	// Debounce is the quiet period after the last file event before a
	// rebuild starts.
	Debounce time.Duration

	Progress io.Writer
	Fresh    bool
	OnBuild  func(Status)
}

// Watch builds the project and rebuilds it whenever the project file or a
// local root changes. A changed project file replaces the running worker.
// Watch returns when ctx is done.
func Watch(ctx context.Context, configFile string, log *logging.Logger, opts WatchOptions) error {
	root, err := config.ParseFile(configFile)
	if err != nil {
		return err
	}
	configFile, err = filepath.Abs(configFile)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fsw.Close()

	ctx, cancel := context.WithCancel(ctx)
	p := pool.New(ctx, 1)
	defer p.Wait()
	defer cancel()

	w := &watcher{
		fsw:        fsw,
		pool:       p,
		log:        log,
		opts:       opts,
		configFile: configFile,
		watched:    make(map[string]struct{}),
	}
	w.start(root)

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	var configChanged bool
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Name == configFile {
				configChanged = true
			} else if event.Has(fsnotify.Create) {
				w.addTree(event.Name)
			}
			log.Debugf("watch: %s", event)
			timer.Reset(debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warnf("watch: %v, rebuilding", err)
				timer.Reset(debounce)
				continue
			}
			return fmt.Errorf("watch: %w", err)

		case <-timer.C:
			if configChanged {
				configChanged = false
				if w.reload() {
					continue
				}
			}
			if err := p.Trigger(w.task); err != nil {
				log.Debugf("watch: %v", err)
			}
		}
	}
}

type watcher struct {
	fsw        *fsnotify.Watcher
	pool       *pool.Pool
	log        *logging.Logger
	opts       WatchOptions
	configFile string
	root       *config.Root
	worker     *BuildWorker
	task       string
	generation int
	watched    map[string]struct{}
	ignored    []string
}

// start adds a worker for root to the pool and watches its local roots.
func (w *watcher) start(root *config.Root) {
	w.root = root
	w.generation++
	w.task = fmt.Sprintf("build-%d", w.generation)

	interval := root.Watch.Interval
	if w.opts.Interval > 0 {
		interval = config.Duration(w.opts.Interval)
	}

	project := NewProject(root, w.log).WithFresh(w.opts.Fresh && w.generation == 1)
	if w.opts.Progress != nil {
		project.WithProgress(w.opts.Progress)
	}

	var last Status
	if w.worker != nil {
		last = w.worker.Status()
	}
	w.worker = NewBuildWorker(project, w.log).WithInterval(interval)
	if last.Result != nil {
		w.worker.WithManifest(last.Result.Manifest)
	}
	if w.opts.OnBuild != nil {
		w.worker.OnBuild(w.opts.OnBuild)
	}

	w.ignored = []string{root.OutputDir(), root.Path(".propack")}
	if dir := root.CacheDir(); dir != "" {
		w.ignored = append(w.ignored, dir)
	}

	w.add(filepath.Dir(w.configFile))
	for _, pack := range root.Packs {
		for _, r := range pack.Roots {
			if r.Path == "" {
				continue
			}
			path := root.Path(r.Path)
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				w.add(filepath.Dir(path)) // zip archive
				continue
			}
			w.addTree(path)
		}
	}

	w.pool.Add(w.task, w.worker.Execute)
}

// reload parses the project file again. It reports whether a new worker
// replaced the running one.
func (w *watcher) reload() bool {
	root, err := config.ParseFile(w.configFile)
	if err != nil {
		w.log.Warnf("watch: keeping the previous configuration: %v", err)
		return false
	}
	if !w.worker.UpdateConfig(root) {
		return false
	}

	w.log.Infof("watch: %s changed, restarting", filepath.Base(w.configFile))
	old := w.task
	if err := w.pool.Trigger(old); err != nil {
		w.log.Debugf("watch: %v", err)
	}
	w.start(root)
	return true
}

func (w *watcher) add(dir string) {
	if _, ok := w.watched[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.log.Warnf("watch: %v", err)
		return
	}
	w.watched[dir] = struct{}{}
}

func (w *watcher) addTree(path string) {
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && pfs.Hidden(d.Name()) || w.isIgnored(p) {
			return filepath.SkipDir
		}
		w.add(p)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warnf("watch: %v", err)
	}
}

func (w *watcher) isIgnored(path string) bool {
	for _, dir := range w.ignored {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *watcher) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	if event.Name == w.configFile {
		return true
	}
	if pfs.Hidden(filepath.Base(event.Name)) {
		return false
	}
	if filepath.Dir(event.Name) == filepath.Dir(w.configFile) && !w.inRoot(event.Name) {
		return false
	}
	return !w.isIgnored(event.Name)
}

// inRoot reports whether path lies in a local root of the project.
func (w *watcher) inRoot(path string) bool {
	for _, pack := range w.root.Packs {
		for _, r := range pack.Roots {
			if r.Path == "" {
				continue
			}
			dir := w.root.Path(r.Path)
			if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}

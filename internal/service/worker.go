package service

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/propack/propack/internal/builder"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/gitsync"
	"github.com/propack/propack/internal/httpsync"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/pkg/manifest"
)

var (
	defaultInterval = 30 * time.Second
	errorInterval   = 30 * time.Second
)

type BuildState int

const (
	BuildStatePending BuildState = iota
	BuildStateSuccess
	BuildStateConfigError
	BuildStateSyncFailed
	BuildStateBuildFailed
	BuildStateCanceled
)

func (s BuildState) String() string {
	switch s {
	case BuildStatePending:
		return "PENDING"
	case BuildStateSuccess:
		return "SUCCESS"
	case BuildStateConfigError:
		return "CONFIG_ERROR"
	case BuildStateSyncFailed:
		return "SYNC_FAILED"
	case BuildStateBuildFailed:
		return "BUILD_FAILED"
	case BuildStateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

type Status struct {
	State   BuildState
	Message string
	Result  *builder.Result
	Delta   manifest.Delta
}

// BuildWorker rebuilds a project each time the pool runs it. It remembers
// the last manifest to report what changed between builds.
type BuildWorker struct {
	project    *Project
	log        *logging.Logger
	interval   time.Duration
	singleShot bool
	onBuild    func(Status)
	changed    chan struct{}
	done       chan struct{}

	mu     sync.Mutex
	status Status
	last   *manifest.Manifest
}

func NewBuildWorker(project *Project, log *logging.Logger) *BuildWorker {
	return &BuildWorker{
		project:  project,
		log:      log,
		interval: defaultInterval,
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *BuildWorker) WithSingleShot(singleShot bool) *BuildWorker {
	w.singleShot = singleShot
	return w
}

func (w *BuildWorker) WithInterval(d config.Duration) *BuildWorker {
	w.interval = cmp.Or(time.Duration(d), defaultInterval)
	return w
}

// WithManifest seeds the manifest the first build is compared against.
func (w *BuildWorker) WithManifest(m *manifest.Manifest) *BuildWorker {
	w.last = m
	return w
}

// OnBuild registers a function called with the status after every build.
func (w *BuildWorker) OnBuild(f func(Status)) *BuildWorker {
	w.onBuild = f
	return w
}

func (w *BuildWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *BuildWorker) Done() <-chan struct{} {
	return w.done
}

// UpdateConfig retires the worker when the project file changed. The caller
// adds a worker for the new configuration.
func (w *BuildWorker) UpdateConfig(root *config.Root) bool {
	if root == nil || !w.project.Root().Equal(root) {
		select {
		case <-w.changed:
		default:
			close(w.changed)
		}
		return true
	}
	return false
}

func (w *BuildWorker) configurationChanged() bool {
	select {
	case <-w.changed:
		return true
	default:
		return false
	}
}

// Execute runs one build and returns the time of the next one. The zero
// time removes the worker from the pool.
func (w *BuildWorker) Execute(ctx context.Context) time.Time {
	if w.configurationChanged() {
		return w.die()
	}

	result, err := w.project.Build(ctx)
	if err != nil {
		return w.report(ctx, stateOf(ctx, err), nil, err)
	}
	return w.report(ctx, BuildStateSuccess, result, nil)
}

func stateOf(ctx context.Context, err error) BuildState {
	if ctx.Err() != nil {
		return BuildStateCanceled
	}
	var be *builder.BuildError
	if !errors.As(err, &be) {
		return BuildStateConfigError
	}
	if be.Stage == builder.Loading && (errors.Is(err, gitsync.ErrSync) || errors.Is(err, httpsync.ErrSync)) {
		return BuildStateSyncFailed
	}
	return BuildStateBuildFailed
}

func (w *BuildWorker) report(ctx context.Context, state BuildState, result *builder.Result, err error) time.Time {
	interval := w.interval

	w.mu.Lock()
	w.status = Status{State: state, Result: result}
	if err != nil {
		interval = errorInterval
		w.status.Message = err.Error()
		w.log.Warnf("build %q: %s: %v", w.project.Root().Name, state, err)
	} else {
		w.status.Delta = manifest.Diff(w.last, result.Manifest)
		w.last = result.Manifest
		d := w.status.Delta
		w.log.Infof("build %q: %s (%d added, %d changed, %d removed, %d cached)",
			w.project.Root().Name, result.Digest, len(d.Added), len(d.Changed), len(d.Removed), result.Hits)
	}
	status := w.status
	w.mu.Unlock()

	if w.onBuild != nil {
		w.onBuild(status)
	}

	if w.singleShot || ctx.Err() != nil {
		return w.die()
	}
	return time.Now().Add(interval)
}

func (w *BuildWorker) die() time.Time {
	select {
	case <-w.done:
	default:
		close(w.done)
	}

	var zero time.Time
	return zero
}

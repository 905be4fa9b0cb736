package builder

import (
	"fmt"
)

// State is the stage a build is in. A build moves through the stages in
// declaration order and ends in Done or Failed.
type State int

const (
	Idle State = iota
	Loading
	Resolving
	Processing
	Hashing
	Packaging
	Done
	Failed
)

var stateNames = [...]string{
	Idle:       "idle",
	Loading:    "loading",
	Resolving:  "resolving",
	Processing: "processing",
	Hashing:    "hashing",
	Packaging:  "packaging",
	Done:       "done",
	Failed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// BuildError is the terminal error of a failed build: the stage that failed,
// the pack or asset it failed on, and the cause.
type BuildError struct {
	Stage  State
	Entity string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Entity, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

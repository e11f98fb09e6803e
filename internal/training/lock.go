package training

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked means another run holds the artifact's lock.
var ErrLocked = errors.New("artifact is locked by another training run")

// Lock is an OS file lock guarding a weights artifact. The kernel drops it
// when the holding process exits, however it exits.
type Lock struct {
	fl *flock.Flock
}

func LockPath(artifact string) string {
	return artifact + ".lock"
}

// AcquireLock takes the artifact's lock without waiting, failing with
// ErrLocked if another run holds it.
func AcquireLock(artifact string) (*Lock, error) {
	fl := flock.New(LockPath(artifact))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks. The lock file stays on disk; removing it would let a
// waiting run lock a file nobody else can see.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

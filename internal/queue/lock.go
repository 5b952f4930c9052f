package queue

import (
	"fmt"

	"github.com/gofrs/flock"
)

// DaemonLock guards against two daemon processes opening the same repo's
// store as a writer concurrently (spec.md §5's "independent repos
// interleave but never write the same database concurrently" — bbolt
// enforces single-writer within a process, this enforces it across
// processes). Grounded on the teacher's direct gofrs/flock dependency.
type DaemonLock struct {
	fl *flock.Flock
}

// AcquireDaemonLock tries to take an exclusive, non-blocking lock on
// lockPath (conventionally <repo>/.ixchel/daemon.lock). ok is false if
// another daemon already holds it.
func AcquireDaemonLock(lockPath string) (*DaemonLock, bool, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("queue: acquiring daemon lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &DaemonLock{fl: fl}, true, nil
}

// Release unlocks the daemon lock.
func (d *DaemonLock) Release() error {
	return d.fl.Unlock()
}

//go:build !windows

package deploy

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// atomicReplace renames staged over target unless another process holds an
// exclusive lock on the target.
func atomicReplace(staged, target string) error {
	if InUse(target) {
		return fmt.Errorf("%w: %s", errTargetLocked, target)
	}
	return os.Rename(staged, target)
}

func scheduleReplace(staged, target string) error {
	return appendPending(staged, target)
}

// InUse reports whether another process holds an exclusive lock on path.
func InUse(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false
	}
	if !locked {
		return true
	}
	lock.Unlock()
	return false
}

// ClearAttributes makes path writable by its owner.
func ClearAttributes(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0200 != 0 {
		return nil
	}
	return os.Chmod(path, info.Mode().Perm()|0200)
}

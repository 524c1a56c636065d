package installation

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is an acquired advisory file lock granting exclusive access to the
// installation for state insertion and activation. Release it with Unlock.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the exclusive advisory lock at root/.moss/lock. If the
// lock is held elsewhere, onBlock is invoked once (a user-visible "waiting"
// hook) and the call blocks until the holder releases it.
func (i *Installation) AcquireLock(onBlock func()) (*Lock, error) {
	fl := flock.New(i.LockPath())

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("installation: lock %s: %w", i.LockPath(), err)
	}
	if !locked {
		if onBlock != nil {
			onBlock()
		}
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("installation: lock %s: %w", i.LockPath(), err)
		}
	}
	return &Lock{fl: fl}, nil
}

// Unlock releases the lock. Safe to call on a nil receiver.
func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Flock wraps an *os.File with an advisory flock(2) lock. Unlike a plain
// create/delete sentinel, flock(2) is released automatically if the holding
// process dies, which is why the application lock and per-worker download
// locks both go through it; the sentinel *files* they guard still need to
// be removed explicitly, since flock itself does not remove anything on
// Unix (spec §5).
type Flock struct {
	*os.File
}

// Lock acquires an exclusive, non-blocking lock. It returns an error
// immediately if another process already holds it.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return errors.Wrap(err, "Flock.Lock")
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err != nil {
		return errors.Wrap(err, "Flock.Unlock")
	}
	return nil
}

// OpenLock opens (creating if necessary) the lock file at path and wraps it
// in a Flock.
func OpenLock(path string) (Flock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) // #nosec G302,G304 - lock files are process-local state under the mirror root
	if err != nil {
		return Flock{}, err
	}
	return Flock{f}, nil
}

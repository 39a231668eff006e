package bridge

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LockMemory pins the calling process's memory via mlockall, preventing the
// enclave's pinned backing pages (and everything else resident) from being
// swapped out for the duration of the run, per the governing resource
// model's "enclave memory is pinned via a memory-lock syscall at startup"
// requirement. Both CLI binaries call this once during setup; a failure
// here is not fatal to running the attack, only to the no-swap guarantee,
// so callers are expected to log and continue rather than abort.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return errors.Wrap(err, "bridge: mlockall")
	}
	return nil
}

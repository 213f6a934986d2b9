//go:build linux

package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// audioNice is the niceness requested for the producer thread.
const audioNice = -11

// boostThread lowers the niceness of the calling OS thread. On Linux
// setpriority with a thread id only affects that thread. Raising priority
// needs CAP_SYS_NICE or a matching RLIMIT_NICE.
func boostThread() (revert func(), err error) {
	tid := unix.Gettid()

	// getpriority returns 20-nice to avoid negative return values
	prev, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return nil, fmt.Errorf("getpriority: %w", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, audioNice); err != nil {
		return nil, fmt.Errorf("setpriority: %w", err)
	}

	return func() {
		_ = unix.Setpriority(unix.PRIO_PROCESS, tid, 20-prev)
	}, nil
}

//go:build !linux && !windows

package capture

import "errors"

func boostThread() (revert func(), err error) {
	return nil, errors.New("thread priority not supported on this platform")
}

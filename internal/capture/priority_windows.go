//go:build windows

package capture

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	avrt                                = windows.NewLazySystemDLL("avrt.dll")
	procAvSetMmThreadCharacteristics    = avrt.NewProc("AvSetMmThreadCharacteristicsW")
	procAvRevertMmThreadCharacteristics = avrt.NewProc("AvRevertMmThreadCharacteristics")
)

// boostThread registers the calling OS thread with MMCSS as an audio task.
// The caller must hold the thread locked until revert runs.
func boostThread() (revert func(), err error) {
	if err := procAvSetMmThreadCharacteristics.Find(); err != nil {
		return nil, fmt.Errorf("mmcss unavailable: %w", err)
	}

	task, err := windows.UTF16PtrFromString("Audio")
	if err != nil {
		return nil, err
	}

	var taskIndex uint32
	handle, _, callErr := procAvSetMmThreadCharacteristics.Call(
		uintptr(unsafe.Pointer(task)),
		uintptr(unsafe.Pointer(&taskIndex)),
	)
	if handle == 0 {
		return nil, fmt.Errorf("AvSetMmThreadCharacteristics: %w", callErr)
	}

	return func() {
		procAvRevertMmThreadCharacteristics.Call(handle)
	}, nil
}

// Package permissions checks the OS privacy permissions input capture needs.
package permissions

import "errors"

// ErrMicrophoneDenied means the OS blocks microphone access for this process.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

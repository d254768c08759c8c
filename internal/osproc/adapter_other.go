//go:build !linux && !windows

package osproc

// No adapter variants exist for this platform; Detect reports
// ErrUnsupportedPlatform.
func detectPlatform() Platform { return "" }

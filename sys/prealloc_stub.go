//go:build !linux && !darwin
// +build !linux,!darwin

package sys

// Preallocate is a no-op on platforms without a dedicated implementation
// (including windows, which this module does not target) and returns
// ErrPreallocNotSupported.
func Preallocate(f FileHandle, size int64) error {
	preallocUnsupportedInc()
	return ErrPreallocNotSupported
}

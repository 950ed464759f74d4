//go:build unix && !linux

package hostmem

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformShared falls back to an unlinked temporary file on platforms
// without memfd support.
func platformShared(name string, size int) (int, error) {
	f, err := os.CreateTemp("", name)
	if err != nil {
		return -1, err
	}
	path := f.Name()
	fd, err := unix.Dup(int(f.Fd()))
	_ = f.Close()
	_ = os.Remove(path)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

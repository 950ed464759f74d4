//go:build unix

package hostmem

import "golang.org/x/sys/unix"

func platformMap(r *Region) ([]byte, error) {
	prot := 0
	if r.prot&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if r.prot&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(r.fd, r.offset, r.size, prot, unix.MAP_SHARED)
}

func platformUnmap(data []byte) error {
	return unix.Munmap(data)
}

func platformFlush(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

func platformDup(fd int) (int, error) {
	return unix.Dup(fd)
}

func platformClose(fd int) error {
	return unix.Close(fd)
}

//go:build linux

package dma

import "golang.org/x/sys/unix"

// allocArena maps an anonymous, pre-faulted region so that frames handed
// to the device never page fault.
func allocArena(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func freeArena(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

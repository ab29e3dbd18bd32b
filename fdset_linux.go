//go:build linux

package beep

import "golang.org/x/sys/unix"

// Linux's unix.FdSet.Bits is [16]int64 (1024 bits).
func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package beep

import "golang.org/x/sys/unix"

// The BSD family's unix.FdSet.Bits is [32]int32 (1024 bits).
func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/32] |= 1 << (uint(fd) % 32)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/32]&(1<<(uint(fd)%32)) != 0
}

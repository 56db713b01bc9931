//go:build unix

package hal

import "golang.org/x/sys/unix"

func pageSize() int { return unix.Getpagesize() }

func unixProt(p Prot) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

func mapPages(size int, prot Prot) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
}

func protectPages(b []byte, prot Prot) error {
	return unix.Mprotect(b, unixProt(prot))
}

func unmapPages(b []byte) error {
	return unix.Munmap(b)
}

// ProtectionEnforced reports whether touching a protected page faults.
func ProtectionEnforced() bool { return true }

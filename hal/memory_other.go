//go:build !unix

package hal

import "os"

// Without mmap the protection bits are advisory only: accesses never fault.

func pageSize() int { return os.Getpagesize() }

func mapPages(size int, _ Prot) ([]byte, error) {
	return make([]byte, size), nil
}

func protectPages(_ []byte, _ Prot) error { return nil }

func unmapPages(_ []byte) error { return nil }

// ProtectionEnforced reports whether touching a protected page faults.
func ProtectionEnforced() bool { return false }

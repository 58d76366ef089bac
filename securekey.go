package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockedBuffer holds pool key material in page-aligned memory outside the Go
// heap, locked into RAM so it never reaches swap or a core dump.
type lockedBuffer struct {
	pages []byte // full mmap'd region, page aligned
	size  int
}

func pageCeil(size int) int {
	pageSize := os.Getpagesize()
	pages := (size + pageSize - 1) / pageSize
	return pages * pageSize
}

// newLockedBuffer maps and mlocks a region of at least size bytes.
func newLockedBuffer(size int) (*lockedBuffer, error) {
	mem, err := unix.Mmap(-1, 0, pageCeil(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mlock: %w", err)
	}
	return &lockedBuffer{pages: mem, size: size}, nil
}

// Bytes is the usable slice of the buffer.
func (b *lockedBuffer) Bytes() []byte {
	return b.pages[:b.size]
}

// Seal marks the buffer read-only. Any subsequent write raises SIGSEGV.
func (b *lockedBuffer) Seal() error {
	return unix.Mprotect(b.pages, unix.PROT_READ)
}

// Destroy zeroes, unlocks, and unmaps the buffer.
func (b *lockedBuffer) Destroy() {
	if b == nil || b.pages == nil {
		return
	}
	// Writable again so the key bytes can be zeroed.
	_ = unix.Mprotect(b.pages, unix.PROT_READ|unix.PROT_WRITE)
	for i := range b.pages {
		b.pages[i] = 0
	}
	_ = unix.Munlock(b.pages)
	_ = unix.Munmap(b.pages)
	b.pages = nil
}

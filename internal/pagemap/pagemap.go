// Package pagemap abstracts "publish a region readable at a known offset
// in the peer" (spec §4.1, §6 map) — the per-process mmap mechanics spec.md
// keeps explicitly out of scope for the core. The broker always writes
// through the Kernel view; a process only ever reads through the User view.
package pagemap

import "fmt"

// Region is a page-backed shared memory region with two views: Kernel
// (read-write, used by the broker) and User (read-only, used by the
// process the region is published to). Pages are backed lazily, one page
// at a time, mirroring spec §4.1's "physical pages are allocated lazily".
type Region interface {
	// Size returns the total region size in bytes.
	Size() int

	// EnsureBacked guarantees that the page range covering [start, end) is
	// backed by real memory in both views, zero-filled on first touch.
	EnsureBacked(start, end int) error

	// Unback releases the page range covering [start, end), provided it does
	// not overlap a still-needed neighbor; implementations may no-op if the
	// platform cannot selectively unback sub-ranges.
	Unback(start, end int) error

	// Kernel returns a read-write slice over [off, off+n) in the broker's
	// view of the region.
	Kernel(off, n int) ([]byte, error)

	// User returns a read-only slice over [off, off+n) in the process's
	// view of the region. Writing through it is a programming error on the
	// broker's part; callers must never receive this slice across the
	// module boundary with write intent.
	User(off, n int) ([]byte, error)

	// Delta returns the offset added to a kernel-view address to obtain the
	// equivalent user-view address (spec §4.1's δ).
	Delta() int64

	// Close releases the region entirely.
	Close() error
}

// ErrOutOfRange is returned by Kernel/User/EnsureBacked/Unback for an
// out-of-bounds byte range.
type ErrOutOfRange struct {
	Off, N, Size int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("pagemap: range [%d, %d) out of bounds for region of size %d", e.Off, e.Off+e.N, e.Size)
}

const PageSize = 4096

// PageAlignDown rounds n down to the nearest page boundary.
func PageAlignDown(n int) int { return n &^ (PageSize - 1) }

// PageAlignUp rounds n up to the nearest page boundary.
func PageAlignUp(n int) int { return (n + PageSize - 1) &^ (PageSize - 1) }

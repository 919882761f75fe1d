//go:build linux

package pagemap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// linuxRegion backs a Region with a single memfd-backed mapping shared
// between two independent mmap views: a read-write one for the broker and
// a read-only one for the process. Because both views map the same
// physical pages (MAP_SHARED over one fd), a byte written through Kernel
// is immediately visible through User with no copy — the zero-copy-on-
// receive contract spec §4.1 describes. This mirrors the teacher's own
// mmap calls in internal/queue/runner.go, generalized from mapping a
// kernel-owned fd to mapping a memfd the broker itself owns.
type linuxRegion struct {
	mu     sync.Mutex
	size   int
	fd     int
	kernel []byte // PROT_READ|PROT_WRITE mapping
	user   []byte // PROT_READ mapping of the same pages
	backed []bool
	delta  int64
}

// NewRegion creates a page-backed region of the given size (bytes, rounded
// up to a page multiple), capped by the caller per spec §4.1 (arena
// bounded at 4 MiB).
func NewRegion(size int) (Region, error) {
	size = PageAlignUp(size)

	fd, err := unix.MemfdCreate("ipcbroker-arena", 0)
	if err != nil {
		return nil, fmt.Errorf("pagemap: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pagemap: ftruncate: %w", err)
	}

	kernel, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pagemap: mmap kernel view: %w", err)
	}
	user, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(kernel)
		unix.Close(fd)
		return nil, fmt.Errorf("pagemap: mmap user view: %w", err)
	}

	return &linuxRegion{
		size:   size,
		fd:     fd,
		kernel: kernel,
		user:   user,
		backed: make([]bool, size/PageSize),
		delta:  0,
	}, nil
}

func (r *linuxRegion) Size() int    { return r.size }
func (r *linuxRegion) Delta() int64 { return r.delta }

func (r *linuxRegion) checkRange(off, n int) error {
	if off < 0 || n < 0 || off+n > r.size {
		return &ErrOutOfRange{Off: off, N: n, Size: r.size}
	}
	return nil
}

// EnsureBacked marks the covering page range as in-use. Pages are already
// backed by the memfd from creation (ftruncate reserves them); this tracks
// the free/allocated bookkeeping so Unback knows which pages it may later
// zero, matching spec §4.1's "ensure the page range ... is backed" without
// requiring a second layer of on-demand mmap (a memfd's pages are demand
// paged by the kernel itself).
func (r *linuxRegion) EnsureBacked(start, end int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRange(start, end-start); err != nil {
		return err
	}
	ps := PageAlignDown(start) / PageSize
	pe := (PageAlignUp(end) / PageSize) - 1
	for p := ps; p <= pe; p++ {
		r.backed[p] = true
	}
	return nil
}

// Unback zero-fills the covering page range and marks it free. Real ublk
// sometimes uses fallocate(FALLOC_FL_PUNCH_HOLE) here to actually release
// physical pages; this shim only needs the observable zero-fill contract
// so a future allocation never sees another process's stale bytes.
func (r *linuxRegion) Unback(start, end int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRange(start, end-start); err != nil {
		return err
	}
	ps := PageAlignDown(start) / PageSize
	pe := (PageAlignUp(end) / PageSize) - 1
	for p := ps; p <= pe; p++ {
		if r.backed[p] {
			r.backed[p] = false
			clear(r.kernel[p*PageSize : (p+1)*PageSize])
		}
	}
	return nil
}

func (r *linuxRegion) Kernel(off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRange(off, n); err != nil {
		return nil, err
	}
	return r.kernel[off : off+n], nil
}

func (r *linuxRegion) User(off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRange(off, n); err != nil {
		return nil, err
	}
	return r.user[off : off+n], nil
}

func (r *linuxRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err1 := unix.Munmap(r.kernel)
	err2 := unix.Munmap(r.user)
	err3 := unix.Close(r.fd)
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

//go:build !linux

package pagemap

import "sync"

// portableRegion backs a Region with a single plain byte slice guarded by
// a lock, giving the same bounds checks as linuxRegion without requiring
// mmap. Its User view is the same writable slice as Kernel; read-only
// access is not enforced. Used on non-Linux build targets and
// wherever tests want a Region without a real page mapping.
type portableRegion struct {
	mu     sync.Mutex
	data   []byte
	backed []bool
}

// NewRegion creates a page-backed region of the given size (rounded up to
// a page multiple).
func NewRegion(size int) (Region, error) {
	size = PageAlignUp(size)
	return &portableRegion{
		data:   make([]byte, size),
		backed: make([]bool, size/PageSize),
	}, nil
}

func (r *portableRegion) Size() int    { return len(r.data) }
func (r *portableRegion) Delta() int64 { return 0 }

func (r *portableRegion) checkRange(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return &ErrOutOfRange{Off: off, N: n, Size: len(r.data)}
	}
	return nil
}

func (r *portableRegion) EnsureBacked(start, end int) error {
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

func (r *portableRegion) Unback(start, end int) error {
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
			for i := p * PageSize; i < (p+1)*PageSize; i++ {
				r.data[i] = 0
			}
		}
	}
	return nil
}

func (r *portableRegion) Kernel(off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRange(off, n); err != nil {
		return nil, err
	}
	return r.data[off : off+n], nil
}

func (r *portableRegion) User(off, n int) ([]byte, error) {
	return r.Kernel(off, n)
}

func (r *portableRegion) Close() error { return nil }

package engine

import (
	"sort"

	"github.com/ipcbroker/ipcbroker/internal/pagemap"
)

// pointerAlign mirrors binder.c's ALIGN(x, sizeof(void *)) on a 64-bit
// target: every transaction payload offset and buffer size is rounded up to
// an 8 byte boundary (spec §4.1).
const pointerAlign = 8

// headerOverhead is the bookkeeping cost spec §4.1 charges against a free
// block before it can be split: "if the chosen block's remainder cannot
// hold another header plus >=4 bytes of payload, absorb the remainder".
// Real binder.c stores this header inline in the arena itself
// (struct binder_buffer); our Buffer bookkeeping lives on the Go heap
// instead (see Buffer below), so headerOverhead exists purely to preserve
// the same split-vs-absorb arithmetic and resulting fragmentation behavior,
// not because we actually spend arena bytes on it.
const headerOverhead = 32

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Buffer is an allocation out of a process's buffer arena (spec §4.1). It
// is addressed by Offset, a position within the arena; the Delta carried by
// the owning pagemap.Region converts that to the address the owning
// process sees.
type Buffer struct {
	Offset      int
	DataSize    int
	OffsetsSize int
	Async       bool
	AllowUserFree bool
	Target      NodeID
	Txn         *Transaction

	// Objects is this buffer's object table: one entry per flattened
	// object translateObjects placed in it, recording what hold the
	// delivery made on the receiver's behalf so FreeBuffer can release it
	// (spec §4.4.4).
	Objects []bufferObject
}

// bufferObject is one entry in a delivered buffer's object table. A handle
// entry holds Ref (released via ref_dec when the buffer is freed); a
// local-binder entry holds Node (released via node_dec instead, since it
// names an object the receiver already owns outright).
type bufferObject struct {
	Ref    *Reference
	Node   *Node
	Strong bool
}

// span is one contiguous run of the arena, either free or carrying a
// Buffer. The arena's spans, taken in Offset order, partition the entire
// region with no gaps — the address-ordered list spec §4.1 describes.
// Free spans are additionally indexed by size in freeBySize for best-fit
// search.
type span struct {
	offset, size int
	free         bool
	buf          *Buffer
}

// Arena is a process's best-fit sub-allocator over a pagemap.Region (spec
// component C1). Method calls are not internally synchronized: callers
// reach an Arena only while holding the owning Broker's mutex (spec §5),
// the same single-writer discipline binder.c gets from the kernel's
// proc->inner_lock.
//
// The free/allocated bookkeeping here is sorted slices searched with
// sort.Search rather than a balanced tree. No example in the reference
// corpus pulls in a third-party ordered-map/tree library (e.g. btree), and
// a hand-rolled red-black tree would be exactly the kind of from-scratch
// data structure idiomatic Go avoids reaching for when the arena holds at
// most a few hundred live buffers — a linear-shift slice insert is simpler,
// cheap at this scale, and the pattern the teacher itself uses for ordered
// bookkeeping (internal/queue/pool.go's free list). See DESIGN.md.
type Arena struct {
	region pagemap.Region
	size   int

	spans      []*span // address order, no gaps, covers [0, size)
	freeBySize []*span // size order ascending, subset of spans where free

	asyncFreeRemaining int
}

// NewArena creates an arena of the given size backed by a fresh pagemap
// region. size is capped by the caller per spec §4.1 (4 MiB maximum).
func NewArena(size int) (*Arena, error) {
	region, err := pagemap.NewRegion(size)
	if err != nil {
		return nil, err
	}
	root := &span{offset: 0, size: region.Size(), free: true}
	a := &Arena{
		region:             region,
		size:               region.Size(),
		spans:              []*span{root},
		freeBySize:         []*span{root},
		asyncFreeRemaining: region.Size() / 2,
	}
	return a, nil
}

func (a *Arena) Region() pagemap.Region { return a.region }
func (a *Arena) Size() int              { return a.size }

func (a *Arena) insertFree(s *span) {
	i := sort.Search(len(a.freeBySize), func(i int) bool { return a.freeBySize[i].size >= s.size })
	a.freeBySize = append(a.freeBySize, nil)
	copy(a.freeBySize[i+1:], a.freeBySize[i:])
	a.freeBySize[i] = s
}

func (a *Arena) removeFree(s *span) {
	for i, f := range a.freeBySize {
		if f == s {
			a.freeBySize = append(a.freeBySize[:i], a.freeBySize[i+1:]...)
			return
		}
	}
}

func (a *Arena) spanIndex(s *span) int {
	for i, sp := range a.spans {
		if sp == s {
			return i
		}
	}
	return -1
}

// Alloc finds the smallest free span that fits dataSize+offsetsSize
// (rounded to pointer alignment), splitting the remainder back into the
// free pool when it is large enough to be useful on its own, and backs the
// allocated range's pages. async reserves against the arena's async quota;
// the caller (Transaction build path) is responsible for checking the
// target node's in-flight-async invariant (spec §4.2) before calling with
// async=true — Alloc only enforces the arena-wide async_free_remaining
// budget (spec §4.1).
func (a *Arena) Alloc(dataSize, offsetsSize int, async bool) (*Buffer, error) {
	data := alignUp(dataSize, pointerAlign)
	offsets := alignUp(offsetsSize, pointerAlign)
	need := data + offsets

	if async && need+headerOverhead > a.asyncFreeRemaining {
		return nil, ErrAsyncQuotaExceeded
	}

	idx := sort.Search(len(a.freeBySize), func(i int) bool { return a.freeBySize[i].size >= need })
	if idx == len(a.freeBySize) {
		return nil, ErrNoSpace
	}
	chosen := a.freeBySize[idx]
	a.removeFree(chosen)

	remainder := chosen.size - need
	buf := &Buffer{
		Offset:      chosen.offset,
		DataSize:    dataSize,
		OffsetsSize: offsetsSize,
		Async:       async,
	}

	if remainder < headerOverhead+4 {
		// Absorb: the whole span becomes the allocated buffer, including
		// slack too small to host another header (spec §4.1).
		chosen.free = false
		chosen.buf = buf
	} else {
		chosen.size = need
		chosen.free = false
		chosen.buf = buf

		tail := &span{offset: chosen.offset + need, size: remainder, free: true}
		at := a.spanIndex(chosen)
		a.spans = append(a.spans, nil)
		copy(a.spans[at+2:], a.spans[at+1:])
		a.spans[at+1] = tail
		a.insertFree(tail)
	}

	if err := a.region.EnsureBacked(buf.Offset, buf.Offset+need); err != nil {
		// Roll back: merge the span back into the free pool before
		// surfacing the backing failure.
		chosen.free = true
		chosen.buf = nil
		a.coalesce(chosen)
		return nil, err
	}

	if async {
		a.asyncFreeRemaining -= need + headerOverhead
	}
	return buf, nil
}

// Free releases buf back into the arena, coalescing with free neighbors
// and unbacking any pages now wholly interior to the resulting free span.
func (a *Arena) Free(buf *Buffer) error {
	idx := -1
	for i, s := range a.spans {
		if !s.free && s.buf == buf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrUnknownBuffer
	}
	s := a.spans[idx]
	need := alignUp(buf.DataSize, pointerAlign) + alignUp(buf.OffsetsSize, pointerAlign)

	s.free = true
	s.buf = nil
	a.coalesce(s)

	if buf.Async {
		a.asyncFreeRemaining += need + headerOverhead
	}
	return nil
}

// coalesce merges s with an immediately adjacent free neighbor on either
// side, then unbacks any pages now strictly interior to the merged span —
// i.e. not shared at either boundary with a still-allocated neighbor,
// matching spec §4.1's unback contract.
func (a *Arena) coalesce(s *span) {
	at := a.spanIndex(s)

	if at+1 < len(a.spans) && a.spans[at+1].free {
		next := a.spans[at+1]
		a.removeFree(next)
		s.size += next.size
		a.spans = append(a.spans[:at+1], a.spans[at+2:]...)
	}
	if at > 0 && a.spans[at-1].free {
		prev := a.spans[at-1]
		a.removeFree(prev)
		prev.size += s.size
		a.spans = append(a.spans[:at], a.spans[at+1:]...)
		s = prev
		at--
	}
	a.insertFree(s)

	start := pagemap.PageAlignUp(s.offset)
	end := pagemap.PageAlignDown(s.offset + s.size)
	if end > start {
		a.region.Unback(start, end)
	}
}

// BufferOf resolves an offset within the arena back to the live Buffer
// covering it (spec §4.1's buffer_of(user_addr) reverse lookup, performed
// here against the kernel-side offset after the caller removes Delta).
func (a *Arena) BufferOf(offset int) (*Buffer, error) {
	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].offset+a.spans[i].size > offset })
	if i == len(a.spans) || a.spans[i].free || offset < a.spans[i].offset {
		return nil, ErrUnknownBuffer
	}
	return a.spans[i].buf, nil
}

func (a *Arena) Close() error {
	return a.region.Close()
}

package pagemap

import "testing"

func TestRegionBackAndWrite(t *testing.T) {
	r, err := NewRegion(8192)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	if err := r.EnsureBacked(0, 16); err != nil {
		t.Fatalf("EnsureBacked: %v", err)
	}
	k, err := r.Kernel(0, 16)
	if err != nil {
		t.Fatalf("Kernel: %v", err)
	}
	copy(k, []byte("hello world12345"))

	u, err := r.User(0, 16)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if string(u) != "hello world12345" {
		t.Errorf("User view = %q, want %q", u, "hello world12345")
	}
}

func TestRegionOutOfRange(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	if _, err := r.Kernel(4090, 100); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestRegionUnbackZeroes(t *testing.T) {
	r, err := NewRegion(PageSize * 2)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer r.Close()

	if err := r.EnsureBacked(0, PageSize); err != nil {
		t.Fatal(err)
	}
	k, _ := r.Kernel(0, PageSize)
	for i := range k {
		k[i] = 0xAA
	}
	if err := r.Unback(0, PageSize); err != nil {
		t.Fatalf("Unback: %v", err)
	}
	k2, _ := r.Kernel(0, PageSize)
	for i, b := range k2 {
		if b != 0 {
			t.Fatalf("byte %d = %x, want 0 after unback", i, b)
		}
	}
}

func TestPageAlign(t *testing.T) {
	if PageAlignUp(1) != PageSize {
		t.Errorf("PageAlignUp(1) = %d, want %d", PageAlignUp(1), PageSize)
	}
	if PageAlignDown(PageSize+1) != PageSize {
		t.Errorf("PageAlignDown(PageSize+1) = %d, want %d", PageAlignDown(PageSize+1), PageSize)
	}
}

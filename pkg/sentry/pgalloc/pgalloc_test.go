// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgalloc

import (
	"testing"

	"vmo.dev/vmo/pkg/hostarch"
)

func newTestAllocator(t *testing.T, frames int32) *Allocator {
	t.Helper()
	a, err := New(frames)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", frames, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 4)
	page, ok := a.AllocPage(0)
	if !ok {
		t.Fatal("AllocPage failed on a fresh allocator")
	}
	if got := a.StateAt(a.Phys(page)); got != Object {
		t.Errorf("state after alloc = %v, want Object", got)
	}
	a.Free([]Page{page})
	if got := a.StateAt(a.Phys(page)); got != Free {
		t.Errorf("state after free = %v, want Free", got)
	}
}

func TestAllocPagesPartial(t *testing.T) {
	a := newTestAllocator(t, 4)
	a.FailNextN(2)
	pages := a.AllocPages(4, 0)
	if len(pages) != 2 {
		t.Fatalf("AllocPages(4) with FailNextN(2) returned %d pages, want 2", len(pages))
	}
	// The cap is consumed; a subsequent call is unconstrained.
	more := a.AllocPages(2, 0)
	if len(more) != 2 {
		t.Fatalf("AllocPages(2) after cap consumed returned %d pages, want 2", len(more))
	}
}

func TestAllocPagesExhausted(t *testing.T) {
	a := newTestAllocator(t, 2)
	pages := a.AllocPages(5, 0)
	if len(pages) != 2 {
		t.Fatalf("AllocPages(5) on a 2-frame arena returned %d, want 2", len(pages))
	}
	if more := a.AllocPages(1, 0); len(more) != 0 {
		t.Fatalf("AllocPages(1) on an exhausted arena returned %d, want 0", len(more))
	}
}

func TestAllocContiguous(t *testing.T) {
	a := newTestAllocator(t, 8)
	// Consume frame 0 so the first free run of 2 starts at frame 2 given
	// alignment 2 (align forces the scan to skip odd-start runs).
	hole, _ := a.AllocPage(0)
	pages := a.AllocContiguous(2, 0, 1) // align_log2=1 -> align to 2 frames
	if len(pages) != 2 {
		t.Fatalf("AllocContiguous(2) returned %d pages, want 2", len(pages))
	}
	if a.Phys(pages[1])-a.Phys(pages[0]) != hostarch.PageSize {
		t.Errorf("AllocContiguous did not return adjacent frames")
	}
	if a.Phys(pages[0])%(2*hostarch.PageSize) != 0 {
		t.Errorf("AllocContiguous(align_log2=1) returned a misaligned start %#x", a.Phys(pages[0]))
	}
	a.Free([]Page{hole})
	a.Free(pages)
}

func TestAllocRange(t *testing.T) {
	a := newTestAllocator(t, 4)
	phys := a.Phys(Page{frame: 1})
	got := a.AllocRange(phys, 1)
	if len(got) != 1 {
		t.Fatalf("AllocRange(phys, 1) returned %d pages, want 1", len(got))
	}
	if state := a.StateAt(phys); state != Wired {
		t.Errorf("state after AllocRange = %v, want Wired", state)
	}
	// A second claim of the same already-claimed frame must fail.
	if got := a.AllocRange(phys, 1); got != nil {
		t.Errorf("AllocRange on an already-claimed frame returned %v, want nil", got)
	}
}

func TestZeroPage(t *testing.T) {
	a := newTestAllocator(t, 1)
	page, _ := a.AllocPage(0)
	b := a.KernelAddr(page)
	for i := range b {
		b[i] = 0xff
	}
	a.ZeroPage(page)
	for i, c := range a.KernelAddr(page) {
		if c != 0 {
			t.Fatalf("byte %d = %#x after ZeroPage, want 0", i, c)
		}
	}
}

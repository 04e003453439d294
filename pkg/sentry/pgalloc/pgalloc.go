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

// Package pgalloc implements a physical page allocator backed by a single
// mmap'd arena, playing the role of the "page allocator" collaborator
// that the vmo package consumes at its boundary.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"vmo.dev/vmo/pkg/bitmap"
	"vmo.dev/vmo/pkg/hostarch"
	"vmo.dev/vmo/pkg/memutil"
	"vmo.dev/vmo/pkg/sync"
)

// State is the ownership tag carried by every frame in an Allocator's
// arena.
type State int32

const (
	// Free means the frame is in the allocator's free pool.
	Free State = iota
	// Wired means the frame is permanently owned by the kernel image;
	// it can never be returned to the free pool.
	Wired
	// Object means the frame is owned by some VMO's page list.
	Object
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Wired:
		return "wired"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// AllocFlags is opaque configuration threaded from a VMO's alloc_flags
// field through to every allocation it makes. This allocator does not
// interpret it.
type AllocFlags uint32

// Page is an opaque handle to one physical frame belonging to an
// Allocator's arena. The zero Page is the handle of frame 0; only values
// returned by an Allocator's own methods may be used with it.
type Page struct {
	frame int32
}

// Allocator is a physical page allocator backed by a single mmap'd arena
// divided into hostarch.PageSize frames and tracked by a free bitmap. It
// stands in for a real machine's physical memory, sized for simulation
// rather than a whole machine, and also plays the role of component A's
// page/address helpers (page_to_phys, phys_to_kvaddr, zero_page) since
// those conversions are meaningless without knowing which arena a frame
// index belongs to.
type Allocator struct {
	mu sync.Mutex

	arena  []byte
	frames int32
	free   bitmap.Bitmap
	state  []State

	// capNext, if capNextSet, caps the number of pages the next
	// AllocPages or AllocContiguous call may return, regardless of how
	// many frames are actually free. Consumed after one call. Set
	// through FailNextN to exercise CommitRange's atomicity guarantee
	// under allocator exhaustion.
	capNext    int
	capNextSet bool
}

// New creates an Allocator with the given number of frames, backed by an
// anonymous mmap arena of frames*hostarch.PageSize bytes.
func New(frames int32) (*Allocator, error) {
	size := uintptr(frames) * hostarch.PageSize
	arena, err := memutil.MapSlice(0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if err != nil {
		return nil, fmt.Errorf("pgalloc: mmap %d bytes: %w", size, err)
	}
	free := bitmap.New(uint32(frames))
	for i := uint32(0); i < uint32(frames); i++ {
		free.Add(i)
	}
	return &Allocator{
		arena:  arena,
		frames: frames,
		free:   free,
		state:  make([]State, frames),
	}, nil
}

// Close releases the arena backing a. The Allocator must not be used
// afterward.
func (a *Allocator) Close() error {
	return memutil.UnmapSlice(a.arena)
}

// FailNextN caps the number of pages returned by the very next call to
// AllocPages or AllocContiguous at n, regardless of how many frames are
// actually free. It is consumed after one such call.
func (a *Allocator) FailNextN(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capNext = n
	a.capNextSet = true
}

func (a *Allocator) isFreeLocked(f int32) bool {
	r, err := a.free.FirstOne(uint32(f))
	return err == nil && r == uint32(f)
}

// AllocPage allocates a single page.
func (a *Allocator) AllocPage(flags AllocFlags) (Page, bool) {
	pages := a.AllocPages(1, flags)
	if len(pages) == 0 {
		return Page{}, false
	}
	return pages[0], true
}

// AllocPages allocates up to n pages, returning as many as could be
// satisfied. Callers that require an all-or-nothing allocation must
// check len(result) themselves and Free a short allocation back.
func (a *Allocator) AllocPages(n int, flags AllocFlags) []Page {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := n
	if a.capNextSet {
		if a.capNext < limit {
			limit = a.capNext
		}
		a.capNextSet = false
	}

	pages := make([]Page, 0, limit)
	for len(pages) < limit {
		frame, err := a.free.FirstOne(0)
		if err != nil {
			break
		}
		a.free.Remove(frame)
		a.state[frame] = Object
		pages = append(pages, Page{frame: int32(frame)})
	}
	return pages
}

// AllocContiguous allocates n physically contiguous pages aligned to
// 2^alignLog2, or returns nil if no such run of free frames exists.
func (a *Allocator) AllocContiguous(n int, flags AllocFlags, alignLog2 uint) []Page {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capNextSet {
		limited := a.capNext
		a.capNextSet = false
		if limited < n {
			return nil
		}
	}

	align := int32(1) << alignLog2
	if align < 1 {
		align = 1
	}
	for start := int32(0); start+int32(n) <= a.frames; start += align {
		free := true
		for f := start; f < start+int32(n); f++ {
			if !a.isFreeLocked(f) {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		pages := make([]Page, 0, n)
		for f := start; f < start+int32(n); f++ {
			a.free.Remove(uint32(f))
			a.state[f] = Object
			pages = append(pages, Page{frame: f})
		}
		return pages
	}
	return nil
}

// AllocRange allocates the n frames starting at the physical address
// phys, which must currently all be Free. It is used by the static-data
// VMO factory to pull specific kernel-image frames out of the free pool,
// marking them Wired rather than Object.
func (a *Allocator) AllocRange(phys hostarch.Addr, n int) []Page {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := int32(phys / hostarch.PageSize)
	if start < 0 || n < 0 || start+int32(n) > a.frames {
		return nil
	}
	for f := start; f < start+int32(n); f++ {
		if !a.isFreeLocked(f) {
			return nil
		}
	}
	pages := make([]Page, 0, n)
	for f := start; f < start+int32(n); f++ {
		a.free.Remove(uint32(f))
		a.state[f] = Wired
		pages = append(pages, Page{frame: f})
	}
	return pages
}

// Free returns a batch of pages to the free pool.
func (a *Allocator) Free(pages []Page) {
	if len(pages) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pages {
		if a.state[p.frame] == Free {
			panic("pgalloc: double free")
		}
		a.state[p.frame] = Free
		a.free.Add(uint32(p.frame))
	}
}

// MarkWired marks the frame at phys as Wired without going through the
// free pool, bootstrapping the "kernel image" frames a static-data VMO
// factory expects to already be wired.
func (a *Allocator) MarkWired(phys hostarch.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := int32(phys / hostarch.PageSize)
	a.free.Remove(uint32(f))
	a.state[f] = Wired
}

// StateAt returns the current state of the frame backing phys.
func (a *Allocator) StateAt(phys hostarch.Addr) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := int32(phys / hostarch.PageSize)
	return a.state[f]
}

// PageAt returns the Page handle for the frame backing phys. phys must
// already be owned by the caller (Wired or Object); this does not
// consult or mutate the free pool.
func (a *Allocator) PageAt(phys hostarch.Addr) Page {
	return Page{frame: int32(phys / hostarch.PageSize)}
}

// Phys returns the physical address of p's frame.
func (a *Allocator) Phys(p Page) hostarch.Addr {
	return hostarch.Addr(p.frame) * hostarch.PageSize
}

// KernelAddr returns a slice over p's frame within the arena, standing in
// for phys_to_kvaddr's kernel-virtual mapping.
func (a *Allocator) KernelAddr(p Page) []byte {
	off := int64(p.frame) * hostarch.PageSize
	return a.arena[off : off+hostarch.PageSize]
}

// ZeroPage writes hostarch.PageSize zero bytes to p's frame. The
// allocator does not guarantee zeroed frames on allocation, so callers
// that need a clean page must call this themselves.
func (a *Allocator) ZeroPage(p Page) {
	b := a.KernelAddr(p)
	for i := range b {
		b[i] = 0
	}
}

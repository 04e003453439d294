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

package vmo

import (
	"fmt"

	"vmo.dev/vmo/internal/vmerr"
	"vmo.dev/vmo/pkg/hostarch"
	"vmo.dev/vmo/pkg/refs"
	"vmo.dev/vmo/pkg/sentry/pgalloc"
)

// NewFromROData wraps a page-aligned physical range of already-wired
// kernel pages into a VMO without allocating, for read-only kernel data
// such as an embedded initrd or firmware blob. Both phys and size must be
// page-aligned.
//
// For each frame in [phys, phys+size):
//   - if pgalloc.Wired, it is accepted as-is;
//   - if pgalloc.Free, it is pulled out of the free pool via
//     Allocator.AllocRange and transitioned to pgalloc.Wired;
//   - any other state is a fatal invariant violation — the frame is owned
//     by something else — and this panics.
//
// The returned VMO leaks one strong reference so it is never destroyed:
// freeing a wired page that participates in the kernel image mapping
// would create a hole the kernel cannot tolerate on some architectures. A
// future "pinned" VMO flag that makes destruction a no-op for the page
// list, while still letting the object itself be reclaimed, would remove
// the need for this; that is a larger design change than this factory
// makes on its own, so it is not built here.
func NewFromROData(alloc *pgalloc.Allocator, phys hostarch.Addr, size uint64) (*VMO, error) {
	if !hostarch.Addr(size).IsPageAligned() || phys%hostarch.PageSize != 0 {
		return nil, vmerr.ErrInvalidArgs
	}

	v := &VMO{
		allocator: alloc,
		pages:     NewPageList(),
		regions:   NewRegionSet(),
		pinned:    true,
	}
	if err := v.Resize(size); err != nil {
		return nil, err
	}

	frames := size / hostarch.PageSize
	for i := uint64(0); i < frames; i++ {
		off := i * hostarch.PageSize
		framePhys := phys + hostarch.Addr(off)

		var page pgalloc.Page
		switch state := alloc.StateAt(framePhys); state {
		case pgalloc.Wired:
			page = alloc.PageAt(framePhys)
		case pgalloc.Free:
			got := alloc.AllocRange(framePhys, 1)
			if len(got) != 1 {
				panic(fmt.Sprintf("vmo: static factory could not claim free frame at %#x", framePhys))
			}
			page = got[0]
		default:
			panic(fmt.Sprintf("vmo: static factory found frame %#x owned by another object (state %v)", framePhys, state))
		}

		if err := v.AddPage(page, off); err != nil {
			panic(fmt.Sprintf("vmo: AddPage failed for offset %d during static construction: %v", off, err))
		}
	}

	refs.Register(v)
	v.IncRef() // leaked: see doc comment above.
	return v, nil
}

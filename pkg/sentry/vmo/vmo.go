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

// Package vmo implements an anonymous, byte-addressable paged
// virtual-memory object: a sparse offset->page mapping that can be
// grown, shrunk, committed, decommitted, faulted in on demand, copied to
// and from kernel or user buffers, introspected for its backing physical
// addresses, and flushed through the cache hierarchy.
package vmo

import (
	"fmt"
	"strings"

	"vmo.dev/vmo/internal/vmerr"
	"vmo.dev/vmo/pkg/hostarch"
	"vmo.dev/vmo/pkg/log"
	"vmo.dev/vmo/pkg/refs"
	"vmo.dev/vmo/pkg/sentry/pgalloc"
	"vmo.dev/vmo/pkg/sync"
)

// MaxSize is the largest size a VMO may have: the largest value whose
// page round-up still fits in 64 bits.
const MaxSize = uint64(hostarch.MaxSize)

// FaultFlags describes the access that triggered a page fault.
// FaultPageLocked accepts but does not branch on this set; see
// SPEC_FULL.md's Open Questions for why both faces produce identical
// observable behavior.
type FaultFlags uint32

const (
	// FaultRead marks a fault taken on a read access.
	FaultRead FaultFlags = 1 << iota
	// FaultWrite marks a fault taken on a write access.
	FaultWrite
)

// CacheOpKind selects the architectural cache-maintenance primitive
// CacheOp invokes over a present page's kernel-virtual range.
type CacheOpKind int

const (
	CacheSync CacheOpKind = iota
	CacheInvalidate
	CacheClean
	CacheCleanInvalidate
)

// VMO is an anonymous, byte-addressable container of physical pages.
type VMO struct {
	refs.AtomicRefCount

	allocator  *pgalloc.Allocator
	allocFlags pgalloc.AllocFlags

	mu      sync.Mutex
	size    uint64
	pages   *PageList
	regions *RegionSet

	// pinned marks a VMO constructed by the static-data factory
	// (static.go). It does not change destroy()'s behavior today; it
	// exists so the factory's leaked reference can eventually be
	// replaced with a no-op destructor instead. See static.go's doc
	// comment.
	pinned bool
}

// New creates an empty VMO of the given size under alloc, using
// allocFlags for every allocation it performs. It fails if size exceeds
// MaxSize.
func New(alloc *pgalloc.Allocator, allocFlags pgalloc.AllocFlags, size uint64) (*VMO, error) {
	v := &VMO{
		allocator:  alloc,
		allocFlags: allocFlags,
		pages:      NewPageList(),
		regions:    NewRegionSet(),
	}
	if err := v.Resize(size); err != nil {
		return nil, err
	}
	refs.Register(v)
	return v, nil
}

// RefType implements refs.CheckedObject.RefType.
func (v *VMO) RefType() string { return "vmo.VMO" }

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (v *VMO) LeakMessage() string {
	return fmt.Sprintf("[vmo.VMO %p] leaked with %d bytes, %d resident pages", v, v.size, v.pages.Len())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (v *VMO) LogRefs() bool { return false }

// DecRef decrements v's reference count, destroying it and returning
// every page it owns to the allocator when the count reaches zero.
func (v *VMO) DecRef() {
	v.AtomicRefCount.DecRefWithDestructor(v.destroy)
}

func (v *VMO) destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.regions.Len() != 0 {
		panic("vmo: destroyed with regions still attached")
	}
	pages := v.pages.FreeAllPages()
	v.allocator.Free(pages)
	refs.Unregister(v)
}

// Attach records that r now maps some sub-range of v.
func (v *VMO) Attach(r Region) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regions.Attach(r)
}

// Detach removes the back-reference to r. Callers must guarantee this
// happens-before r's own destruction.
func (v *VMO) Detach(r Region) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regions.Detach(r)
}

// Size returns v's current logical size.
func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

func roundDownPage(x uint64) uint64 { return uint64(hostarch.Addr(x).PageRoundDown()) }
func roundUpPage(x uint64) uint64   { return uint64(hostarch.Addr(x).MustPageRoundUp()) }

// trimRange implements the clipping range-trim policy used by
// CommitRange, DecommitRange, Read, and Write: out_of_range if offset >
// size, or if offset == size and length > 0 (there is no room to clip
// into), otherwise length is clipped to size-offset. Grounded on
// original_source's TrimRange.
func trimRange(offset, length, size uint64) (uint64, uint64, bool) {
	if offset > size || (offset == size && length > 0) {
		return 0, 0, false
	}
	if length > size-offset {
		length = size - offset
	}
	return offset, length, true
}

// inRange implements the strict range check used by Lookup and CacheOp:
// any overhang past size is out_of_range, with no clipping. Grounded on
// original_source's InRange.
func inRange(offset, length, size uint64) bool {
	if length > size {
		return false
	}
	return offset <= size-length
}

// Resize sets v's logical size. On shrink, every region mapping the
// freed tail is asked to unmap it before the underlying pages are
// returned to the allocator; grow is a pure metadata update.
func (v *VMO) Resize(newSize uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resizeLocked(newSize)
}

func (v *VMO) resizeLocked(newSize uint64) error {
	if newSize > MaxSize {
		return vmerr.ErrOutOfRange
	}
	oldSize := v.size
	v.size = newSize
	if newSize >= oldSize {
		return nil
	}

	start := roundUpPage(newSize)
	end := roundUpPage(oldSize)
	if end <= start {
		return nil
	}

	log.Debugf("vmo: shrinking from %d to %d, unmapping [%d, %d)", oldSize, newSize, start, end)
	v.regions.ForEach(func(r Region) {
		r.UnmapVMORangeLocked(start, end-start)
	})

	var freed []pgalloc.Page
	for off := start; off < end; off += hostarch.PageSize {
		if page, ok := v.pages.FreePage(off); ok {
			freed = append(freed, page)
		}
	}
	v.allocator.Free(freed)
	return nil
}

// AddPage inserts page at offset, which must be less than v's current
// size. Used by the static-data factory (static.go).
func (v *VMO) AddPage(page pgalloc.Page, offset uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.addPageLocked(page, offset)
}

func (v *VMO) addPageLocked(page pgalloc.Page, offset uint64) error {
	if offset >= v.size {
		return vmerr.ErrOutOfRange
	}
	return v.pages.AddPage(offset, page)
}

// getPageLocked returns the existing page at offset, if any. The caller
// must hold v.mu.
func (v *VMO) getPageLocked(offset uint64) (pgalloc.Page, bool) {
	if offset >= v.size {
		return pgalloc.Page{}, false
	}
	return v.pages.GetPage(roundDownPage(offset))
}

// faultPageLocked returns the page at offset, allocating, zeroing, and
// installing one on a miss. The caller must hold v.mu. This is the sole
// production point of new pages.
func (v *VMO) faultPageLocked(offset uint64, flags FaultFlags) (pgalloc.Page, bool) {
	aligned := roundDownPage(offset)
	if page, ok := v.pages.GetPage(aligned); ok {
		return page, true
	}

	page, ok := v.allocator.AllocPage(v.allocFlags)
	if !ok {
		log.Warningf("vmo: allocator exhausted faulting in offset %d", aligned)
		return pgalloc.Page{}, false
	}
	v.allocator.ZeroPage(page)
	if err := v.pages.AddPage(aligned, page); err != nil {
		panic(fmt.Sprintf("vmo: AddPage failed for offset the caller just observed absent: %v", err))
	}
	log.Debugf("vmo: faulted in offset %d", aligned)
	return page, true
}

// CommitRange pre-commits every missing page in [offset, offset+length),
// clipped against size, reporting the number of newly committed bytes.
// Allocation is atomic: if the allocator cannot satisfy the full request,
// the partial batch is returned and no page is installed.
func (v *VMO) CommitRange(offset, length uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset, length, ok := trimRange(offset, length, v.size)
	if !ok {
		return 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		return 0, nil
	}

	start := roundDownPage(offset)
	end := roundUpPage(offset + length)

	var missing []uint64
	for off := start; off < end; off += hostarch.PageSize {
		if _, ok := v.pages.GetPage(off); !ok {
			missing = append(missing, off)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	allocated := v.allocator.AllocPages(len(missing), v.allocFlags)
	if len(allocated) < len(missing) {
		v.allocator.Free(allocated)
		return 0, vmerr.ErrNoMemory
	}

	var committed uint64
	for i, off := range missing {
		page := allocated[i]
		v.allocator.ZeroPage(page)
		if err := v.pages.AddPage(off, page); err != nil {
			panic(fmt.Sprintf("vmo: AddPage failed for offset the caller just observed absent: %v", err))
		}
		committed += hostarch.PageSize
	}
	return committed, nil
}

// CommitRangeContiguous is like CommitRange, but requires every offset in
// the range to be currently missing and asks the allocator for physically
// contiguous pages aligned to 2^alignLog2.
func (v *VMO) CommitRangeContiguous(offset, length uint64, alignLog2 uint) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset, length, ok := trimRange(offset, length, v.size)
	if !ok {
		return 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		return 0, nil
	}

	start := roundDownPage(offset)
	end := roundUpPage(offset + length)
	count := int((end - start) / hostarch.PageSize)

	for off := start; off < end; off += hostarch.PageSize {
		if _, ok := v.pages.GetPage(off); ok {
			// The range is only partially empty. original_source asserts
			// this never happens; this repo turns the assertion into a
			// recoverable error instead of a panic, since it can be
			// triggered by caller-supplied offset/length.
			return 0, vmerr.ErrInvalidArgs
		}
	}

	allocated := v.allocator.AllocContiguous(count, v.allocFlags, alignLog2)
	if len(allocated) < count {
		v.allocator.Free(allocated)
		return 0, vmerr.ErrNoMemory
	}

	var committed uint64
	off := start
	for i := 0; off < end; i, off = i+1, off+hostarch.PageSize {
		page := allocated[i]
		v.allocator.ZeroPage(page)
		if err := v.pages.AddPage(off, page); err != nil {
			panic(fmt.Sprintf("vmo: AddPage failed for offset the caller just observed absent: %v", err))
		}
		committed += hostarch.PageSize
	}
	return committed, nil
}

// DecommitRange releases every present page in [offset, offset+length),
// clipped against size. Every region mapping the released range is
// unmapped first. Absent pages are skipped silently.
func (v *VMO) DecommitRange(offset, length uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset, length, ok := trimRange(offset, length, v.size)
	if !ok {
		return 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		return 0, nil
	}

	start := roundDownPage(offset)
	end := roundUpPage(offset + length)

	v.regions.ForEach(func(r Region) {
		r.UnmapVMORangeLocked(start, end-start)
	})

	var decommitted uint64
	var freed []pgalloc.Page
	for off := start; off < end; off += hostarch.PageSize {
		if page, ok := v.pages.FreePage(off); ok {
			freed = append(freed, page)
			decommitted += hostarch.PageSize
		}
	}
	v.allocator.Free(freed)
	return decommitted, nil
}

// Read copies len(dst) bytes from offset into dst, clipped against size,
// faulting in any missing page along the way.
func (v *VMO) Read(dst []byte, offset uint64) (uint64, error) {
	return v.readWrite(dst, offset, false)
}

// Write copies src into v at offset, faulting in any missing page along
// the way.
func (v *VMO) Write(src []byte, offset uint64) (uint64, error) {
	return v.readWrite(src, offset, true)
}

func (v *VMO) readWrite(buf []byte, offset uint64, write bool) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset, length, ok := trimRange(offset, uint64(len(buf)), v.size)
	if !ok {
		return 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		return 0, nil
	}

	flags := FaultRead
	if write {
		flags = FaultWrite
	}

	var copied uint64
	for copied < length {
		curOffset := offset + copied
		pageOffset := curOffset % hostarch.PageSize
		chunk := hostarch.PageSize - pageOffset
		if remaining := length - copied; chunk > remaining {
			chunk = remaining
		}

		page, ok := v.faultPageLocked(curOffset, flags)
		if !ok {
			return copied, vmerr.ErrNoMemory
		}

		kaddr := v.allocator.KernelAddr(page)
		if write {
			copy(kaddr[pageOffset:pageOffset+chunk], buf[copied:copied+chunk])
		} else {
			copy(buf[copied:copied+chunk], kaddr[pageOffset:pageOffset+chunk])
		}
		copied += chunk
	}
	return copied, nil
}

// ReadUser copies length bytes from offset to the user address uaddr via
// uc, faulting in any missing page along the way. The lock is held across
// the user copy; uc is required to resolve any user-space fault without
// reentering v.
func (v *VMO) ReadUser(uc UserCopy, uaddr, offset, length uint64) (uint64, error) {
	return v.readWriteUser(uc, uaddr, offset, length, false)
}

// WriteUser copies length bytes from the user address uaddr into v at
// offset via uc, faulting in any missing page along the way.
func (v *VMO) WriteUser(uc UserCopy, uaddr, offset, length uint64) (uint64, error) {
	return v.readWriteUser(uc, uaddr, offset, length, true)
}

func (v *VMO) readWriteUser(uc UserCopy, uaddr, offset, length uint64, write bool) (uint64, error) {
	if !uc.IsUserAddress(uaddr) {
		return 0, vmerr.ErrInvalidArgs
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	offset, length, ok := trimRange(offset, length, v.size)
	if !ok {
		return 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		return 0, nil
	}

	flags := FaultRead
	if write {
		flags = FaultWrite
	}

	var copied uint64
	for copied < length {
		curOffset := offset + copied
		pageOffset := curOffset % hostarch.PageSize
		chunk := hostarch.PageSize - pageOffset
		if remaining := length - copied; chunk > remaining {
			chunk = remaining
		}

		page, ok := v.faultPageLocked(curOffset, flags)
		if !ok {
			return copied, vmerr.ErrNoMemory
		}
		kaddr := v.allocator.KernelAddr(page)

		var n int
		var err error
		if write {
			n, err = uc.CopyFromUser(uaddr+copied, kaddr[pageOffset:pageOffset+chunk])
		} else {
			n, err = uc.CopyToUser(uaddr+copied, kaddr[pageOffset:pageOffset+chunk])
		}
		copied += uint64(n)
		if err != nil {
			// User-space copy failures are returned verbatim; the core
			// does not remap them.
			return copied, err
		}
	}
	return copied, nil
}

// Lookup writes the physical address of every page-aligned frame
// touching [offset, offset+length) into out. It does not fault in
// missing pages: the first absent page is reported as vmerr.ErrNoMemory.
func (v *VMO) Lookup(offset, length uint64, out []hostarch.Addr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 {
		return vmerr.ErrInvalidArgs
	}
	if !inRange(offset, length, v.size) {
		return vmerr.ErrOutOfRange
	}

	start := roundDownPage(offset)
	end := roundUpPage(offset + length)
	need := int((end - start) / hostarch.PageSize)
	if len(out) < need {
		return vmerr.ErrBufferTooSmall
	}

	i := 0
	for off := start; off < end; off += hostarch.PageSize {
		page, ok := v.pages.GetPage(off)
		if !ok {
			return vmerr.ErrNoMemory
		}
		out[i] = v.allocator.Phys(page)
		i++
	}
	return nil
}

// InvalidateCache delegates to CacheOp with CacheInvalidate.
func (v *VMO) InvalidateCache(offset, length uint64) error {
	return v.CacheOp(offset, length, CacheInvalidate)
}

// CleanCache delegates to CacheOp with CacheClean.
func (v *VMO) CleanCache(offset, length uint64) error {
	return v.CacheOp(offset, length, CacheClean)
}

// CleanInvalidateCache delegates to CacheOp with CacheCleanInvalidate.
func (v *VMO) CleanInvalidateCache(offset, length uint64) error {
	return v.CacheOp(offset, length, CacheCleanInvalidate)
}

// SyncCache delegates to CacheOp with CacheSync.
func (v *VMO) SyncCache(offset, length uint64) error {
	return v.CacheOp(offset, length, CacheSync)
}

// CacheOp iterates [offset, offset+length) by page-aligned sub-range,
// invoking the architectural cache primitive over every present page and
// skipping absent ones without faulting them in.
func (v *VMO) CacheOp(offset, length uint64, kind CacheOpKind) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 {
		return vmerr.ErrInvalidArgs
	}
	if !inRange(offset, length, v.size) {
		return vmerr.ErrOutOfRange
	}

	end := offset + length
	for cur := offset; cur < end; {
		pageOff := roundDownPage(cur)
		pageEnd := pageOff + hostarch.PageSize
		if pageEnd > end {
			pageEnd = end
		}
		if page, ok := v.pages.GetPage(pageOff); ok {
			kaddr := v.allocator.KernelAddr(page)
			within := cur - pageOff
			archCacheOp(kind, kaddr[within:pageEnd-pageOff])
		}
		cur = pageEnd
	}
	return nil
}

// archCacheOp stands in for arch_invalidate_cache_range,
// arch_clean_cache_range, arch_clean_invalidate_cache_range, and
// arch_sync_cache_range. This repository targets no particular
// architecture, so the primitive is a no-op over the addressed bytes
// rather than an actual cache-maintenance instruction.
func archCacheOp(kind CacheOpKind, mem []byte) {
	_ = kind
	_ = mem
}

// AllocatedPages returns the number of pages currently resident in v.
func (v *VMO) AllocatedPages() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages.Len()
}

// Dump returns an introspection string describing v, indented by depth.
// If verbose, every resident page's offset and physical address is
// included.
func (v *VMO) Dump(depth int, verbose bool) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	indent := strings.Repeat("  ", depth)
	var b strings.Builder
	fmt.Fprintf(&b, "%svmo: size=%d pages=%d regions=%d\n", indent, v.size, v.pages.Len(), v.regions.Len())
	if verbose {
		v.pages.ForEveryPage(func(page pgalloc.Page, offset uint64) {
			fmt.Fprintf(&b, "%s  offset=%d phys=%#x\n", indent, offset, v.allocator.Phys(page))
		})
	}
	return b.String()
}

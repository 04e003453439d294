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
	"bytes"
	"sync"
	"testing"

	"vmo.dev/vmo/internal/vmerr"
	"vmo.dev/vmo/pkg/hostarch"
	"vmo.dev/vmo/pkg/sentry/pgalloc"
)

// testRegion is a minimal in-memory Region that records the unmap calls
// it receives, so resize-shrink invalidation (testable property 4) and
// decommit's region broadcast can be asserted directly.
type testRegion struct {
	mu    sync.Mutex
	calls []unmapCall
}

type unmapCall struct {
	start, length uint64
}

func (r *testRegion) UnmapVMORangeLocked(start, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, unmapCall{start, length})
}

func (r *testRegion) snapshot() []unmapCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]unmapCall(nil), r.calls...)
}

func newTestAllocator(t *testing.T, frames int32) *pgalloc.Allocator {
	t.Helper()
	a, err := pgalloc.New(frames)
	if err != nil {
		t.Fatalf("pgalloc.New(%d): %v", frames, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// Scenario (a): an empty VMO has no pages and a zero-length write
// succeeds trivially.
func TestScenarioEmptyVMO(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 0)
	if err != nil {
		t.Fatalf("New(_, 0): %v", err)
	}
	if got := v.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages() = %d, want 0", got)
	}
	copied, err := v.Write(nil, 0)
	if err != nil {
		t.Fatalf("Write(nil, 0): %v", err)
	}
	if copied != 0 {
		t.Errorf("Write copied = %d, want 0", copied)
	}
}

// Scenario (b): a write straddling two pages faults both in, and the
// bytes read back match what was written.
func TestScenarioStraddlingWrite(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := bytes.Repeat([]byte{0x41}, 100)
	if _, err := v.Write(data, 4090); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, 100)
	n, err := v.Read(out, 4090)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 100 || !bytes.Equal(out, data) {
		t.Fatalf("Read = %q (n=%d), want %q (n=100)", out, n, data)
	}
	if got := v.AllocatedPages(); got != 2 {
		t.Errorf("AllocatedPages() = %d, want 2", got)
	}
}

// Scenario (c): commit then decommit frees the expected pages and
// notifies every attached region of the unmapped range.
func TestScenarioCommitDecommit(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 12288)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &testRegion{}
	v.Attach(r)

	committed, err := v.CommitRange(0, 12288)
	if err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if committed != 12288 {
		t.Fatalf("CommitRange committed = %d, want 12288", committed)
	}

	decommitted, err := v.DecommitRange(4096, 4096)
	if err != nil {
		t.Fatalf("DecommitRange: %v", err)
	}
	if decommitted != 4096 {
		t.Fatalf("DecommitRange decommitted = %d, want 4096", decommitted)
	}
	if got := v.AllocatedPages(); got != 2 {
		t.Errorf("AllocatedPages() = %d, want 2", got)
	}

	calls := r.snapshot()
	if len(calls) != 1 || calls[0] != (unmapCall{4096, 4096}) {
		t.Errorf("region received %v, want [{4096 4096}]", calls)
	}
}

// Testable property 2: committing an already-fully-committed range
// allocates nothing.
func TestNoDoubleCommit(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.CommitRange(0, 8192); err != nil {
		t.Fatalf("first CommitRange: %v", err)
	}
	committed, err := v.CommitRange(0, 8192)
	if err != nil {
		t.Fatalf("second CommitRange: %v", err)
	}
	if committed != 0 {
		t.Errorf("second CommitRange committed = %d, want 0", committed)
	}
}

// Scenario (d) and testable property 3: a rigged allocator makes
// CommitRange atomic — it reports no_memory, frees back whatever it
// received, and leaves the VMO with no committed pages.
func TestCommitAtomicity(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.FailNextN(0)
	committed, err := v.CommitRange(0, 4096)
	if !vmerr.Is(err, vmerr.ErrNoMemory) {
		t.Fatalf("CommitRange error = %v, want ErrNoMemory", err)
	}
	if committed != 0 {
		t.Errorf("CommitRange committed = %d, want 0", committed)
	}
	if got := v.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages() = %d, want 0", got)
	}
}

// CommitRangeContiguous's happy path: every frame returned lands at its
// natural offset and is reachable afterward through the normal page list.
func TestCommitRangeContiguous(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 12288)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	committed, err := v.CommitRangeContiguous(0, 12288, 0)
	if err != nil {
		t.Fatalf("CommitRangeContiguous: %v", err)
	}
	if committed != 12288 {
		t.Fatalf("CommitRangeContiguous committed = %d, want 12288", committed)
	}
	if got := v.AllocatedPages(); got != 3 {
		t.Errorf("AllocatedPages() = %d, want 3", got)
	}

	buf := make([]hostarch.Addr, 3)
	if err := v.Lookup(0, 12288, buf); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	for i := 1; i < len(buf); i++ {
		if buf[i] != buf[i-1]+hostarch.PageSize {
			t.Errorf("frames not contiguous: %v", buf)
		}
	}
}

// SPEC_FULL.md §5.4: a range that is only partially missing is an
// explicit ErrInvalidArgs, not a panic, and nothing is allocated.
func TestCommitRangeContiguousPartialOverlapRejected(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.CommitRange(0, 4096); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	committed, err := v.CommitRangeContiguous(0, 8192, 0)
	if !vmerr.Is(err, vmerr.ErrInvalidArgs) {
		t.Fatalf("CommitRangeContiguous over a partially-present range error = %v, want ErrInvalidArgs", err)
	}
	if committed != 0 {
		t.Errorf("CommitRangeContiguous committed = %d, want 0", committed)
	}
	if got := v.AllocatedPages(); got != 1 {
		t.Errorf("AllocatedPages() = %d, want 1 (unchanged)", got)
	}
}

// A rigged allocator that cannot satisfy the full contiguous request
// leaves the VMO with no committed pages, matching CommitRange's own
// atomicity guarantee.
func TestCommitRangeContiguousAtomicity(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.FailNextN(0)
	committed, err := v.CommitRangeContiguous(0, 4096, 0)
	if !vmerr.Is(err, vmerr.ErrNoMemory) {
		t.Fatalf("CommitRangeContiguous error = %v, want ErrNoMemory", err)
	}
	if committed != 0 {
		t.Errorf("CommitRangeContiguous committed = %d, want 0", committed)
	}
	if got := v.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages() = %d, want 0", got)
	}
}

// Scenario (e) and testable property 4: shrinking a VMO unmaps the freed
// tail from every attached region, frees the pages past the new size, and
// subsequent access to the freed range is out_of_range.
func TestScenarioShrink(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &testRegion{}
	v.Attach(r)
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := v.Write(data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := v.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := v.AllocatedPages(); got != 1 {
		t.Errorf("AllocatedPages() = %d, want 1", got)
	}
	if calls := r.snapshot(); len(calls) != 1 || calls[0] != (unmapCall{4096, 4096}) {
		t.Errorf("region received %v, want [{4096 4096}]", calls)
	}

	out := make([]byte, 1)
	if _, err := v.Read(out, 4096); !vmerr.Is(err, vmerr.ErrOutOfRange) {
		t.Errorf("Read past new size error = %v, want ErrOutOfRange", err)
	}
}

// Scenario (f) and testable property 6: Lookup never faults pages in.
func TestScenarioLookupNonFaulting(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf := make([]hostarch.Addr, 1)
	if err := v.Lookup(0, 4096, buf); !vmerr.Is(err, vmerr.ErrNoMemory) {
		t.Fatalf("Lookup before commit error = %v, want ErrNoMemory", err)
	}
	if got := v.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages() after Lookup miss = %d, want 0", got)
	}

	if _, err := v.CommitRange(0, 4096); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.Lookup(0, 4096, buf); err != nil {
		t.Fatalf("Lookup after commit: %v", err)
	}
}

// Testable property 7: CacheOp invokes the architectural primitive only
// over present sub-ranges, skipping holes without faulting them in. This
// asserts the observable half of that contract: no page is created.
func TestCacheOpSkipsHoles(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.CommitRange(0, 4096); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.CleanCache(0, 8192); err != nil {
		t.Fatalf("CleanCache: %v", err)
	}
	if got := v.AllocatedPages(); got != 1 {
		t.Errorf("AllocatedPages() after CleanCache over a hole = %d, want 1", got)
	}
}

func TestCacheOpRejectsZeroLength(t *testing.T) {
	a := newTestAllocator(t, 1)
	v, err := New(a, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.SyncCache(0, 0); !vmerr.Is(err, vmerr.ErrInvalidArgs) {
		t.Errorf("SyncCache(0,0) error = %v, want ErrInvalidArgs", err)
	}
}

func TestLookupRejectsZeroLength(t *testing.T) {
	a := newTestAllocator(t, 1)
	v, err := New(a, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Lookup(0, 0, nil); !vmerr.Is(err, vmerr.ErrInvalidArgs) {
		t.Errorf("Lookup(0,0) error = %v, want ErrInvalidArgs", err)
	}
}

func TestLookupBufferTooSmall(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.CommitRange(0, 8192); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if err := v.Lookup(0, 8192, make([]hostarch.Addr, 1)); !vmerr.Is(err, vmerr.ErrBufferTooSmall) {
		t.Errorf("Lookup with undersized buffer error = %v, want ErrBufferTooSmall", err)
	}
}

// Testable property 5: write then read round-trips regardless of prior
// commitment.
func TestReadWriteRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []byte("round trip across a page boundary!!")
	if _, err := v.Write(want, 4080); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := v.Read(got, 4080); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func TestReadWriteUserRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 8)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	uc := &BytesUserCopy{Bytes: make([]byte, 64)}
	for i := range uc.Bytes {
		uc.Bytes[i] = byte(i)
	}

	if _, err := v.WriteUser(uc, 0, 0, uint64(len(uc.Bytes))); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}
	out := &BytesUserCopy{Bytes: make([]byte, 64)}
	if _, err := v.ReadUser(out, 0, 0, uint64(len(out.Bytes))); err != nil {
		t.Fatalf("ReadUser: %v", err)
	}
	if !bytes.Equal(out.Bytes, uc.Bytes) {
		t.Fatalf("ReadUser = %v, want %v", out.Bytes, uc.Bytes)
	}
}

func TestDecRefFreesAllPages(t *testing.T) {
	a := newTestAllocator(t, 4)
	v, err := New(a, 0, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.CommitRange(0, 8192); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	v.DecRef()

	// Ownership conservation (property 1): every page committed above
	// must be back in the free pool, so a fresh allocation can reclaim
	// the whole arena.
	got := a.AllocPages(4, 0)
	if len(got) != 4 {
		t.Fatalf("AllocPages(4) after DecRef = %d pages, want 4", len(got))
	}
}

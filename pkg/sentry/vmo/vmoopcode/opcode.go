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

// Package vmoopcode sketches the syscall-surface boundary around package
// vmo: a total dispatch over the VMO opcode space, each mapping to
// exactly one vmo.VMO operation. The dispatch does no argument checking of
// its own; the length, range and buffer-size checks are those of the core
// operation it calls.
package vmoopcode

import (
	"vmo.dev/vmo/internal/vmerr"
	"vmo.dev/vmo/pkg/hostarch"
	"vmo.dev/vmo/pkg/sentry/vmo"
)

// Op is a VMO syscall opcode, named after the magenta MX_VMO_OP_*
// constants this dispatch table is grounded on.
type Op uint32

const (
	OpCommit Op = iota + 1
	OpDecommit
	OpLock
	OpUnlock
	OpLookup
	OpCacheSync
	OpCacheInvalidate
	OpCacheClean
	OpCacheCleanInvalidate
)

// Args bundles the arguments common to every VMO opcode. Only the fields
// relevant to a given Op are consulted.
type Args struct {
	Offset uint64
	Length uint64

	// LookupOut receives physical addresses for OpLookup.
	LookupOut []hostarch.Addr
}

// Result bundles the outputs an opcode may produce.
type Result struct {
	Committed   uint64
	Decommitted uint64
}

// Dispatch delegates to exactly one VMO core operation and returns its
// error unchanged. It does not validate args itself: a zero length, an
// out-of-range offset or an undersized LookupOut is rejected by the core
// operation, not here. Unimplemented and unknown opcodes return
// vmerr.ErrInvalidArgs.
func Dispatch(op Op, v *vmo.VMO, args Args) (Result, error) {
	switch op {
	case OpCommit:
		committed, err := v.CommitRange(args.Offset, args.Length)
		return Result{Committed: committed}, err

	case OpDecommit:
		decommitted, err := v.DecommitRange(args.Offset, args.Length)
		return Result{Decommitted: decommitted}, err

	case OpLookup:
		return Result{}, v.Lookup(args.Offset, args.Length, args.LookupOut)

	case OpCacheSync:
		return Result{}, v.SyncCache(args.Offset, args.Length)

	case OpCacheInvalidate:
		return Result{}, v.InvalidateCache(args.Offset, args.Length)

	case OpCacheClean:
		return Result{}, v.CleanCache(args.Offset, args.Length)

	case OpCacheCleanInvalidate:
		return Result{}, v.CleanInvalidateCache(args.Offset, args.Length)

	case OpLock, OpUnlock:
		// Per-VMO pinning for DMA is an explicit non-goal. The opcode is
		// recognized, so dispatch stays total over the opcode space, but
		// it is not implemented.
		return Result{}, vmerr.ErrInvalidArgs

	default:
		return Result{}, vmerr.ErrInvalidArgs
	}
}

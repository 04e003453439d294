// Copyright 2021 The gVisor Authors.
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

// Package vmerr holds the standardized error definitions returned by
// package vmo. Every fallible operation returns one of the sentinels
// below (or nil); callers compare with == rather than errors.Is, matching
// the rest of this repository's error-handling idiom.
package vmerr

// errno is a small enum distinguishing vmerr sentinels from one another.
// It plays the role that errno.Errno plays in the upstream linuxerr
// package; this repository does not carry an errno table of its own, so
// the enum is local and unexported.
type errno int32

const (
	eInvalidArgs errno = iota
	eNoMemory
	eOutOfRange
	eBufferTooSmall
	eAlreadyPresent
)

// Error represents one of a fixed set of conditions a VMO operation can
// fail with.
type Error struct {
	errno   errno
	message string
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

var (
	// ErrInvalidArgs indicates a malformed argument to an operation, such
	// as a zero-length CacheOp or Lookup range, or a CommitRangeContiguous
	// range that is only partially empty.
	ErrInvalidArgs = &Error{eInvalidArgs, "invalid arguments"}

	// ErrNoMemory indicates the page allocator could not satisfy a
	// request for new physical pages, or that Lookup found a page absent.
	ErrNoMemory = &Error{eNoMemory, "insufficient memory"}

	// ErrOutOfRange indicates an offset/length pair fell outside
	// [0, size) under either the strict or the clipping range check, or a
	// requested size exceeded the maximum.
	ErrOutOfRange = &Error{eOutOfRange, "out of range"}

	// ErrBufferTooSmall indicates a caller-supplied buffer could not
	// hold the result of an operation, such as Lookup's physical address
	// table.
	ErrBufferTooSmall = &Error{eBufferTooSmall, "buffer too small"}

	// ErrAlreadyPresent indicates an attempt to add a page at an offset
	// that already has one.
	ErrAlreadyPresent = &Error{eAlreadyPresent, "page already present"}
)

// Is reports whether err is the given vmerr sentinel. It exists so call
// sites can be written err != nil && vmerr.Is(err, vmerr.ErrNoMemory)
// without an unchecked type assertion.
func Is(err error, sentinel *Error) bool {
	e, ok := err.(*Error)
	return ok && e == sentinel
}

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

// Package refs defines an interface for reference counted objects, and an
// embeddable implementation of it with leak checking.
package refs

import (
	"sync/atomic"
)

// RefCounter is the interface implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference count on the object.
	IncRef()

	// DecRef decrements the reference count on the object. When the count
	// reaches zero, any registered destructor is run.
	DecRef()

	// TryIncRef attempts to increase the reference count, but fails if the
	// count has already reached zero.
	TryIncRef() bool
}

// AtomicRefCount is an embeddable reference count using atomic operations,
// with an optional destructor called when the count reaches zero and
// optional leak-check registration through CheckedObject.
//
// N.B. To allow the zero value to be usable, the count is offset by 1: when
// refCount is n, there are really n+1 references outstanding.
type AtomicRefCount struct {
	refCount int64
}

// ReadRefs returns the current number of references. The returned count is
// racy unless the caller has independent knowledge that the count cannot
// change concurrently.
func (r *AtomicRefCount) ReadRefs() int64 {
	return atomic.LoadInt64(&r.refCount) + 1
}

// IncRef increments the reference count. It panics if the count was already
// non-positive, since that indicates the object has already been destroyed.
func (r *AtomicRefCount) IncRef() {
	if v := atomic.AddInt64(&r.refCount, 1); v <= 0 {
		panic("refs: IncRef on a destroyed object")
	}
}

// TryIncRef attempts to increase the reference count, unless the count has
// already reached zero. It returns false if the object has already been
// destroyed.
//
// A speculative reference is taken first so that concurrent TryIncRef
// calls can distinguish each other from genuine references, then converted
// into a real one, without a compare-and-swap loop.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	v := atomic.AddInt64(&r.refCount, speculativeRef)
	if int32(v) < 0 {
		atomic.AddInt64(&r.refCount, -speculativeRef)
		return false
	}
	atomic.AddInt64(&r.refCount, -speculativeRef+1)
	return true
}

// DecRefWithDestructor decrements the reference count. If the count reaches
// zero and destroy is non-nil, destroy is called exactly once.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := atomic.AddInt64(&r.refCount, -1); {
	case v < -1:
		panic("refs: DecRef on a destroyed object")
	case v == -1:
		if destroy != nil {
			destroy()
		}
	}
}

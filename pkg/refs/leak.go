// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// LeakMode configures the reference-leak checker's behavior.
type LeakMode int32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

var leakMode int32

// SetLeakMode configures the behavior of the leak checker registered in
// refs_map.go.
func SetLeakMode(mode LeakMode) {
	atomic.StoreInt32(&leakMode, int32(mode))
}

// GetLeakMode returns the current leak-checking mode.
func GetLeakMode() LeakMode {
	return LeakMode(atomic.LoadInt32(&leakMode))
}

// RecordStack captures the caller's stack for inclusion in a leak message.
func RecordStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	return pcs[:n]
}

// FormatStack renders a stack captured by RecordStack as a multi-line
// string, one frame per line.
func FormatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	s := ""
	for {
		frame, more := frames.Next()
		s += fmt.Sprintf("\t%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return s
}

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
	"testing"

	"vmo.dev/vmo/pkg/sentry/pgalloc"
)

func TestPageListAddGetFree(t *testing.T) {
	l := NewPageList()
	a, err := pgalloc.New(4)
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	defer a.Close()

	p0, _ := a.AllocPage(0)
	p1, _ := a.AllocPage(0)

	if err := l.AddPage(0, p0); err != nil {
		t.Fatalf("AddPage(0): %v", err)
	}
	if err := l.AddPage(0, p1); err == nil {
		t.Fatalf("AddPage(0) a second time succeeded, want ErrAlreadyPresent")
	}
	if err := l.AddPage(4096, p1); err != nil {
		t.Fatalf("AddPage(4096): %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}

	if _, ok := l.GetPage(8192); ok {
		t.Fatalf("GetPage(8192) found an entry, want none")
	}

	freed, ok := l.FreePage(0)
	if !ok || freed != p0 {
		t.Fatalf("FreePage(0) = %v, %v; want %v, true", freed, ok, p0)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() after FreePage = %d, want 1", l.Len())
	}

	var offsets []uint64
	l.ForEveryPage(func(_ pgalloc.Page, offset uint64) {
		offsets = append(offsets, offset)
	})
	if len(offsets) != 1 || offsets[0] != 4096 {
		t.Fatalf("ForEveryPage visited %v, want [4096]", offsets)
	}

	remaining := l.FreeAllPages()
	if len(remaining) != 1 || remaining[0] != p1 {
		t.Fatalf("FreeAllPages() = %v, want [%v]", remaining, p1)
	}
	if l.Len() != 0 {
		t.Fatalf("Len() after FreeAllPages = %d, want 0", l.Len())
	}
}

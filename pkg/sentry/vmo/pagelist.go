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
	"github.com/google/btree"

	"vmo.dev/vmo/internal/vmerr"
	"vmo.dev/vmo/pkg/sentry/pgalloc"
)

// pageEntry is one (offset, page) pair held by a PageList.
type pageEntry struct {
	offset uint64
	page   pgalloc.Page
}

func lessPageEntry(a, b pageEntry) bool { return a.offset < b.offset }

// pageListDegree is the B-tree node degree used for every PageList. It is
// not tuned; this repository's frame counts are simulation-scale.
const pageListDegree = 16

// PageList is a sparse, offset-ordered mapping from a page-aligned byte
// offset to a page it exclusively owns. Insertion transfers ownership in;
// FreePage and FreeAllPages transfer ownership out to the caller, who is
// responsible for returning the pages to the page allocator.
type PageList struct {
	tree *btree.BTreeG[pageEntry]
}

// NewPageList returns an empty PageList.
func NewPageList() *PageList {
	return &PageList{tree: btree.NewG(pageListDegree, lessPageEntry)}
}

// AddPage inserts page at offset. It fails with vmerr.ErrAlreadyPresent
// if an entry already exists there.
func (l *PageList) AddPage(offset uint64, page pgalloc.Page) error {
	if _, ok := l.tree.Get(pageEntry{offset: offset}); ok {
		return vmerr.ErrAlreadyPresent
	}
	l.tree.ReplaceOrInsert(pageEntry{offset: offset, page: page})
	return nil
}

// GetPage returns the page at offset, if any. It does not mutate the
// list.
func (l *PageList) GetPage(offset uint64) (pgalloc.Page, bool) {
	e, ok := l.tree.Get(pageEntry{offset: offset})
	return e.page, ok
}

// FreePage removes and returns the page at offset, if any.
func (l *PageList) FreePage(offset uint64) (pgalloc.Page, bool) {
	e, ok := l.tree.Delete(pageEntry{offset: offset})
	return e.page, ok
}

// FreeAllPages removes and returns every page in the list, emptying it.
func (l *PageList) FreeAllPages() []pgalloc.Page {
	pages := make([]pgalloc.Page, 0, l.tree.Len())
	l.tree.Ascend(func(e pageEntry) bool {
		pages = append(pages, e.page)
		return true
	})
	l.tree.Clear(false)
	return pages
}

// ForEveryPage invokes visit with (page, offset) for each entry in
// ascending offset order.
func (l *PageList) ForEveryPage(visit func(page pgalloc.Page, offset uint64)) {
	l.tree.Ascend(func(e pageEntry) bool {
		visit(e.page, e.offset)
		return true
	})
}

// Len returns the number of pages currently held.
func (l *PageList) Len() int { return l.tree.Len() }

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

// Region is the narrow interface the VMO core calls back into when a
// range of the object is unmapped, playing the role of
// memmap.MappingSpace.Invalidate for the region collaborator this
// repository does not otherwise implement.
type Region interface {
	// UnmapVMORangeLocked unmaps [start, start+length) of this region's
	// mapping of the VMO. Called with the VMO's lock held; it must not
	// attempt to acquire that lock or any region-set lock itself.
	UnmapVMORangeLocked(start, length uint64)
}

// RegionSet is an unordered set of non-owning back-references to regions
// currently mapping a VMO. The set never deletes a region's state; it
// only forgets the reference. A region joins the set when it first maps
// the VMO and leaves when its mapping is torn down; callers must
// guarantee Detach happens-before the region's own destruction.
type RegionSet struct {
	members map[Region]struct{}
}

// NewRegionSet returns an empty RegionSet.
func NewRegionSet() *RegionSet {
	return &RegionSet{members: make(map[Region]struct{})}
}

// Attach records a non-owning back-reference to r.
func (s *RegionSet) Attach(r Region) {
	s.members[r] = struct{}{}
}

// Detach removes the back-reference to r, if present.
func (s *RegionSet) Detach(r Region) {
	delete(s.members, r)
}

// ForEach calls visit(r) for every region currently in the set, in
// unspecified order.
func (s *RegionSet) ForEach(visit func(Region)) {
	for r := range s.members {
		visit(r)
	}
}

// Len returns the number of regions currently in the set.
func (s *RegionSet) Len() int { return len(s.members) }

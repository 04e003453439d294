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

import "vmo.dev/vmo/internal/vmerr"

// UserCopy is the narrow interface into the user-memory copy
// collaborator spec.md describes (copy_array_to_user,
// copy_array_from_user, is_user_address), modeled on pkg/usermem's IO
// interface. ReadUser/WriteUser hold the VMO lock across calls into it;
// implementations must resolve any user-space page fault without
// reentering the same VMO's lock.
type UserCopy interface {
	// CopyToUser copies src to the user address addr.
	CopyToUser(addr uint64, src []byte) (int, error)

	// CopyFromUser copies from the user address addr into dst.
	CopyFromUser(addr uint64, dst []byte) (int, error)

	// IsUserAddress reports whether addr lies within this address
	// space's user range.
	IsUserAddress(addr uint64) bool
}

// BytesUserCopy is a UserCopy backed by a plain byte slice, standing in
// for a user address space so ReadUser/WriteUser can be exercised
// without a real process.
type BytesUserCopy struct {
	Bytes []byte
}

// CopyToUser implements UserCopy.CopyToUser.
func (b *BytesUserCopy) CopyToUser(addr uint64, src []byte) (int, error) {
	if !b.inBounds(addr, len(src)) {
		return 0, vmerr.ErrInvalidArgs
	}
	return copy(b.Bytes[addr:], src), nil
}

// CopyFromUser implements UserCopy.CopyFromUser.
func (b *BytesUserCopy) CopyFromUser(addr uint64, dst []byte) (int, error) {
	if !b.inBounds(addr, len(dst)) {
		return 0, vmerr.ErrInvalidArgs
	}
	return copy(dst, b.Bytes[addr:]), nil
}

// IsUserAddress implements UserCopy.IsUserAddress.
func (b *BytesUserCopy) IsUserAddress(addr uint64) bool {
	return addr <= uint64(len(b.Bytes))
}

func (b *BytesUserCopy) inBounds(addr uint64, n int) bool {
	if !b.IsUserAddress(addr) {
		return false
	}
	return addr+uint64(n) <= uint64(len(b.Bytes))
}

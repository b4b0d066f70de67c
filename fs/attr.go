// Copyright 2025 Google LLC
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

package fs

import "time"

// FileType distinguishes the two kinds of inode this filesystem knows
// about. There are no symlinks, hard links, or device files.
type FileType int

const (
	RegularFile FileType = iota
	Directory
)

func (k FileType) String() string {
	if k == Directory {
		return "directory"
	}
	return "file"
}

// FileAttr is the persisted metadata record for one inode, encrypted as a
// single small object at inodes/<ino>. It mirrors the conventional POSIX
// stat fields so a kernel adapter can translate it 1:1, plus the one field
// this filesystem itself needs: the nonce seed for the inode's content
// stream (see internal/crypto for why that seed must be both unique per
// object and reproducible across opens).
type FileAttr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Crtime    time.Time
	Kind      FileType
	Perm      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	BlockSize uint32
	Flags     uint32
	NonceSeed uint64
}

// preferredBlockSize is advertised to callers as the I/O size that makes
// best use of the chunked stream underneath.
const preferredBlockSize = 4096

func blocksFor(size uint64) uint64 {
	const blockSize = 512
	return (size + blockSize - 1) / blockSize
}

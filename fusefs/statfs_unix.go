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

package fusefs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

// hostFSUsage reports the capacity of the host filesystem backing the
// data directory. The encrypted store consumes host blocks one-for-one
// (plus AEAD tag overhead), so passing the host numbers through gives df
// an honest answer.
func hostFSUsage(path string) (blockSize uint32, blocks, free, avail uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: statfs %s: %v", fserrors.ErrIO, path, err)
	}
	return uint32(st.Bsize), st.Blocks, st.Bfree, st.Bavail, nil
}

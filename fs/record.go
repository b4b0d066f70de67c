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

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/fnv"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

// dirEntryRecord is the small encrypted record stored as the content of
// one directory-entry file: contents/<parent>/<mangled-name>.
type dirEntryRecord struct {
	Ino  uint64
	Kind FileType
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: encoding record: %v", fserrors.ErrSerialize, err)
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding record: %v", fserrors.ErrSerialize, err)
	}
	return nil
}

// deriveSeed deterministically derives a nonce seed for an on-disk object
// from its identity (domain tag plus a small number of integer
// components), so every encrypted object gets a distinct nonce sequence
// under the mount's shared key without needing any extra bootstrap state.
// This is how the inode attr file and every directory-entry file get their
// own seed; the one seed that can't be derived this way is a regular
// file's content-stream seed, which must survive the file being renamed or
// its parent changing, so it is instead drawn at random at create time and
// persisted in the inode's FileAttr.NonceSeed field.
func deriveSeed(domain string, parts ...uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(domain))
	var buf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf[:], p)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

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

import "github.com/last-saiyan/rencfs/internal/cryptofile"

// fsHandle is one open session against a regular file's content stream.
// A handle opened read-only carries just the reader; write-only just the
// writer; read+write both, sharing one cached attr record. The cached
// attr absorbs atime/mtime/size updates during the handle's lifetime and
// is persisted at release.
type fsHandle struct {
	ino    uint64
	attr   *FileAttr
	reader *cryptofile.Reader
	writer *cryptofile.Writer

	// wroteAttr tracks whether the cached attr diverged from disk in a
	// way release must persist wholesale (size/mtime from writes). A
	// read-only handle only ever touches atime, which release folds into
	// the current on-disk record instead of overwriting it.
	wroteAttr bool
}

// readerInvalidator routes the seekable writer's content-changed callback
// back into the read stream sharing the same handle, so a read issued
// after a flush observes the just-renamed canonical file rather than the
// unlinked one its descriptor still points at.
type readerInvalidator struct {
	h *fsHandle
}

func (c *readerInvalidator) OnFileContentChanged(newLogicalBase uint64) error {
	if c.h.reader == nil {
		return nil
	}
	return c.h.reader.Invalidate()
}

// handleTable hands out monotonically increasing ids for open handles,
// one id space across all opens regardless of read/write mode.
type handleTable struct {
	next    uint64
	entries map[uint64]*fsHandle
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint64]*fsHandle)}
}

func (t *handleTable) allocate(h *fsHandle) uint64 {
	t.next++
	id := t.next
	t.entries[id] = h
	return id
}

func (t *handleTable) get(id uint64) (*fsHandle, bool) {
	h, ok := t.entries[id]
	return h, ok
}

func (t *handleTable) remove(id uint64) {
	delete(t.entries, id)
}

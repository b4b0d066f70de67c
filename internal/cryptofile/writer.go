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

// Package cryptofile upgrades the append-only chunked AEAD stream of
// internal/crypto into a position-addressable writer, by always sealing
// into a staging file and rebuilding that staging file whenever a seek
// would otherwise require rewriting already-sealed chunks in place.
package cryptofile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/last-saiyan/rencfs/cfg"
	"github.com/last-saiyan/rencfs/internal/crypto"
	"github.com/last-saiyan/rencfs/internal/fserrors"
	"github.com/last-saiyan/rencfs/internal/logger"
)

// copyToEOF is passed to copyFromCanonical to mean "copy everything from
// the given offset to end of stream" rather than a bounded length.
const copyToEOF = ^uint64(0)

// ContentChangedCallback is notified whenever the canonical file is
// replaced by an atomic rename, so that upstream caches keyed by the old
// canonical file's identity know to invalidate.
type ContentChangedCallback interface {
	OnFileContentChanged(newLogicalBase uint64) error
}

// Writer is a seekable writer over an encrypted content object. It always
// targets a temp-directory staging file; seeks that can't be satisfied by
// appending (any backward seek, and a flush of dirty data) rebuild the
// staging file from the canonical file's plaintext and atomically rename
// it over the canonical path.
//
// Writer is not safe for concurrent use; the filesystem engine serializes
// all operations against one handle (see package fs).
type Writer struct {
	canonicalPath string
	tmpDir        string
	cipherKind    cfg.Cipher
	key           []byte
	nonceSeed     uint64
	chunkSize     int
	callback      ContentChangedCallback

	stagingPath string
	stagingFile *os.File
	sealer      *crypto.Writer
	pos         uint64

	// dirty is set when the staging file holds plaintext the canonical
	// file doesn't have yet: any explicit Write, and any zero-fill past
	// the canonical EOF. Plaintext merely re-sealed out of the canonical
	// file during a seek does not count.
	dirty  bool
	closed bool
}

// NewWriter opens a fresh staging file in tmpDir and returns a Writer
// positioned at 0. canonicalPath need not exist yet; it is only read when
// a seek or flush needs existing plaintext.
func NewWriter(canonicalPath, tmpDir string, cipherKind cfg.Cipher, key []byte, nonceSeed uint64, chunkSize int, callback ContentChangedCallback) (*Writer, error) {
	w := &Writer{
		canonicalPath: canonicalPath,
		tmpDir:        tmpDir,
		cipherKind:    cipherKind,
		key:           key,
		nonceSeed:     nonceSeed,
		chunkSize:     chunkSize,
		callback:      callback,
	}
	if err := w.openFreshStaging(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openFreshStaging() error {
	f, err := os.CreateTemp(w.tmpDir, "rencfs-staging-*")
	if err != nil {
		return fmt.Errorf("%w: creating staging file: %v", fserrors.ErrIO, err)
	}
	aead, err := crypto.NewAEAD(w.cipherKind, w.key)
	if err != nil {
		return err
	}
	w.stagingFile = f
	w.stagingPath = f.Name()
	w.sealer = crypto.NewWriter(f, aead, w.nonceSeed, w.chunkSize)
	return nil
}

// Pos returns the writer's current logical plaintext position.
func (w *Writer) Pos() uint64 { return w.pos }

// Write seals p into the staging file and advances the logical position.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fserrors.ErrUseAfterFinish
	}
	n, err := w.sealer.Write(p)
	w.pos += uint64(n)
	if n > 0 {
		w.dirty = true
	}
	return n, err
}

// SeekFromStart moves the logical write position to target, which may be
// forward (re-sealing existing canonical plaintext, zero-filling past EOF)
// or backward (triggering a staging rebuild and atomic rename).
func (w *Writer) SeekFromStart(target uint64) (uint64, error) {
	if w.closed {
		return 0, fserrors.ErrUseAfterFinish
	}
	if target == w.pos {
		return w.pos, nil
	}
	if target > w.pos {
		if err := w.seekForward(target); err != nil {
			return w.pos, err
		}
		return w.pos, nil
	}
	if err := w.rebuildAndRename(target); err != nil {
		return w.pos, err
	}
	return w.pos, nil
}

func (w *Writer) seekForward(target uint64) error {
	length := target - w.pos
	copied, err := copyFromCanonical(w.canonicalPath, w.pos, length, w.cipherKind, w.key, w.nonceSeed, w.chunkSize, w.sealer)
	if err != nil {
		return err
	}
	w.pos += copied
	if w.pos < target {
		if err := w.sealZeros(target - w.pos); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) sealZeros(n uint64) error {
	const zeroBufSize = 64 * 1024
	zeros := make([]byte, zeroBufSize)
	for n > 0 {
		chunk := uint64(zeroBufSize)
		if chunk > n {
			chunk = n
		}
		written, err := w.sealer.Write(zeros[:chunk])
		w.pos += uint64(written)
		if written > 0 {
			w.dirty = true
		}
		if err != nil {
			return fmt.Errorf("%w: zero-filling past eof: %v", fserrors.ErrIO, err)
		}
		n -= chunk
	}
	return nil
}

// mergeIntoCanonical appends the canonical suffix from pos to EOF to the
// staging file, finalizes the staging stream, and renames it over the
// canonical path. On return the writer holds no staging file; the caller
// must either reopen one or mark the writer closed.
func (w *Writer) mergeIntoCanonical() error {
	if _, err := copyFromCanonical(w.canonicalPath, w.pos, copyToEOF, w.cipherKind, w.key, w.nonceSeed, w.chunkSize, w.sealer); err != nil {
		return err
	}
	if err := w.sealer.Finish(); err != nil {
		return err
	}
	if err := w.stagingFile.Close(); err != nil {
		return fmt.Errorf("%w: closing staging file: %v", fserrors.ErrIO, err)
	}
	if err := os.Rename(w.stagingPath, w.canonicalPath); err != nil {
		return fmt.Errorf("%w: renaming staging file over canonical: %v", fserrors.ErrIO, err)
	}
	w.stagingFile = nil
	w.sealer = nil
	w.dirty = false
	return nil
}

// rebuildAndRename merges the staging file into the canonical file,
// recreates the writer against a new staging file, notifies the callback,
// and restores up to targetAfterRename bytes of plaintext from the
// newly-renamed canonical file.
func (w *Writer) rebuildAndRename(targetAfterRename uint64) error {
	logger.Tracef("rebuilding %s: merging at pos %d, restoring to %d", w.canonicalPath, w.pos, targetAfterRename)
	if err := w.mergeIntoCanonical(); err != nil {
		return err
	}
	if err := w.openFreshStaging(); err != nil {
		return err
	}
	w.pos = 0
	if w.callback != nil {
		if err := w.callback.OnFileContentChanged(0); err != nil {
			return err
		}
	}

	copied, err := copyFromCanonical(w.canonicalPath, 0, targetAfterRename, w.cipherKind, w.key, w.nonceSeed, w.chunkSize, w.sealer)
	if err != nil {
		return err
	}
	w.pos += copied
	if w.pos < targetAfterRename {
		if err := w.sealZeros(targetAfterRename - w.pos); err != nil {
			return err
		}
	}
	// Restoring the seek position re-seals bytes the just-renamed
	// canonical file already has, so the staging file starts clean; only
	// the zero-fill tail above can have re-dirtied it.
	return nil
}

// Flush forces the tail-suffix merge and atomic rename; it is a no-op if
// the staging file holds nothing the canonical file doesn't already have.
// After a flush the writer remains usable at the same logical position.
func (w *Writer) Flush() error {
	if w.closed {
		return fserrors.ErrUseAfterFinish
	}
	if !w.dirty {
		return nil
	}
	return w.rebuildAndRename(w.pos)
}

// Finish merges any dirty staged plaintext, marks the writer closed, and
// returns a handle to the canonical file for the caller to use as a fresh
// read stream base. A canonical file is materialised even if nothing was
// ever written, so a freshly-created empty stream still ends up with a
// content object on disk.
func (w *Writer) Finish() (*os.File, error) {
	if w.closed {
		return nil, fserrors.ErrUseAfterFinish
	}
	exists := true
	if _, err := os.Stat(w.canonicalPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: statting canonical file: %v", fserrors.ErrIO, err)
		}
		exists = false
	}
	if w.dirty || !exists {
		if err := w.mergeIntoCanonical(); err != nil {
			return nil, err
		}
		if w.callback != nil {
			if err := w.callback.OnFileContentChanged(0); err != nil {
				return nil, err
			}
		}
	} else {
		_ = w.stagingFile.Close()
		_ = os.Remove(w.stagingPath)
	}
	w.closed = true
	f, err := os.Open(w.canonicalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening canonical file: %v", fserrors.ErrIO, err)
	}
	return f, nil
}

// Truncate rewrites the canonical file to exactly size plaintext bytes:
// re-sealing the surviving prefix for a shrink, zero-filling for a grow.
// It consumes the writer, which must be freshly constructed (nothing
// written, position 0).
func (w *Writer) Truncate(size uint64) error {
	if w.closed {
		return fserrors.ErrUseAfterFinish
	}
	if w.pos != 0 || w.dirty {
		return fmt.Errorf("%w: truncate requires a fresh writer", fserrors.ErrInvalidInput)
	}
	copied, err := copyFromCanonical(w.canonicalPath, 0, size, w.cipherKind, w.key, w.nonceSeed, w.chunkSize, w.sealer)
	if err != nil {
		w.Discard()
		return err
	}
	w.pos = copied
	if w.pos < size {
		if err := w.sealZeros(size - w.pos); err != nil {
			w.Discard()
			return err
		}
	}
	if err := w.sealer.Finish(); err != nil {
		w.Discard()
		return err
	}
	if err := w.stagingFile.Close(); err != nil {
		os.Remove(w.stagingPath)
		w.closed = true
		return fmt.Errorf("%w: closing staging file: %v", fserrors.ErrIO, err)
	}
	if err := os.Rename(w.stagingPath, w.canonicalPath); err != nil {
		os.Remove(w.stagingPath)
		w.closed = true
		return fmt.Errorf("%w: renaming truncated file over canonical: %v", fserrors.ErrIO, err)
	}
	w.closed = true
	if w.callback != nil {
		return w.callback.OnFileContentChanged(0)
	}
	return nil
}

// Discard abandons the writer without merging its staged content into the
// canonical file, deleting the staging file. It is safe to call on an
// already-finished writer.
func (w *Writer) Discard() {
	if w.closed {
		return
	}
	w.closed = true
	if w.stagingFile != nil {
		_ = w.stagingFile.Close()
		_ = os.Remove(w.stagingPath)
	}
}

// copyFromCanonical decrypts path's plaintext stream starting skip bytes
// in, and copies up to length bytes of it (copyToEOF for unbounded) into
// dst, returning the number of bytes copied. A missing canonical file is
// treated as an empty stream, not an error, since new files have none yet.
func copyFromCanonical(path string, skip, length uint64, cipherKind cfg.Cipher, key []byte, nonceSeed uint64, chunkSize int, dst *crypto.Writer) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: opening canonical file: %v", fserrors.ErrIO, err)
	}
	defer f.Close()

	aead, err := crypto.NewAEAD(cipherKind, key)
	if err != nil {
		return 0, err
	}
	r := crypto.NewReader(f, aead, nonceSeed, chunkSize)

	if skip > 0 {
		if _, err := discard(r, skip); err != nil {
			return 0, err
		}
	}

	var copied uint64
	buf := make([]byte, 64*1024)
	for length == copyToEOF || copied < length {
		want := uint64(len(buf))
		if length != copyToEOF && length-copied < want {
			want = length - copied
		}
		n, rerr := r.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return copied, werr
			}
			copied += uint64(n)
		}
		if rerr != nil {
			if isEOF(rerr) {
				break
			}
			return copied, rerr
		}
	}
	return copied, nil
}

// discard reads and drops exactly n bytes from r, or fewer if r hits EOF
// first (in which case no error is returned: the caller treats a short
// canonical file the same as zero-filled tail).
func discard(r *crypto.Reader, n uint64) (uint64, error) {
	buf := make([]byte, 64*1024)
	var skipped uint64
	for skipped < n {
		want := uint64(len(buf))
		if n-skipped < want {
			want = n - skipped
		}
		read, err := r.Read(buf[:want])
		skipped += uint64(read)
		if err != nil {
			if isEOF(err) {
				return skipped, nil
			}
			return skipped, err
		}
	}
	return skipped, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

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

// Package fs implements the encrypted filesystem engine: an inode store
// whose content is ciphertext on a host directory tree (see
// internal/crypto and internal/cryptofile for the stream format), exposed
// through operations shaped after a conventional POSIX filesystem so a
// kernel adapter such as fusefs.NewServer can translate FUSE ops 1:1.
package fs

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/last-saiyan/rencfs/cfg"
	"github.com/last-saiyan/rencfs/clock"
	"github.com/last-saiyan/rencfs/internal/cryptofile"
	"github.com/last-saiyan/rencfs/internal/fserrors"
	"github.com/last-saiyan/rencfs/internal/logger"
)

// EncryptedFS is the single in-process owner of one mounted data
// directory. All of its exported operations are meant to be called by a
// caller that already serializes access (a single-threaded cooperative
// model); the mutex here exists to make
// that assumption an enforced invariant rather than an implicit one,
// since a kernel adapter may still dispatch ops concurrently.
type EncryptedFS struct {
	dataDir    string
	tmpDir     string
	cipherKind cfg.Cipher
	key        []byte
	chunkSize  int
	clock      clock.Clock

	mu sync.Mutex

	handles *handleTable
}

// New constructs the engine against dataDir/tmpDir, creating the on-disk
// layout and the root inode if this is a fresh mount, and sweeping any
// staging files orphaned by a prior crash.
func New(dataDir, tmpDir string, cipherKind cfg.Cipher, key []byte, chunkSize int, clk clock.Clock) (*EncryptedFS, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", fserrors.ErrInvalidInput)
	}
	fs := &EncryptedFS{
		dataDir:    dataDir,
		tmpDir:     tmpDir,
		cipherKind: cipherKind,
		key:        key,
		chunkSize:  chunkSize,
		clock:      clk,
		handles:    newHandleTable(),
	}
	if err := fs.ensureLayout(); err != nil {
		return nil, err
	}
	removed, err := scavengeStaging(tmpDir)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		logger.Warnf("removed %d orphaned staging files from %s", removed, tmpDir)
	}
	if err := fs.bootstrapRoot(); err != nil {
		return nil, err
	}
	logger.Infof("mounted encrypted store at %s (cipher %s)", dataDir, cipherKind)
	return fs, nil
}

// DataDir returns the root of the encrypted store this engine owns.
func (fs *EncryptedFS) DataDir() string { return fs.dataDir }

// allocateIno draws a fresh, unused inode number. Numbers are chosen
// uniformly at random from the 64-bit space rather than handed out
// sequentially, so a directory listing never leaks creation order; RootIno
// and any collision with an existing inode file are rejected and retried.
func (fs *EncryptedFS) allocateIno() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("%w: generating inode number: %v", fserrors.ErrIO, err)
		}
		ino := binary.LittleEndian.Uint64(buf[:])
		if ino <= RootIno {
			continue
		}
		if _, err := fs.readAttr(ino); err != nil {
			if errors.Is(err, fserrors.ErrInodeNotFound) {
				return ino, nil
			}
			return 0, err
		}
	}
}

// NodeExists reports whether name exists inside the directory parentIno.
func (fs *EncryptedFS) NodeExists(parentIno uint64, name string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := fs.findByNameLocked(parentIno, name)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDir reports whether ino names a directory.
func (fs *EncryptedFS) IsDir(ino uint64) (bool, error) {
	attr, err := fs.GetAttr(ino)
	if err != nil {
		return false, err
	}
	return attr.Kind == Directory, nil
}

// IsFile reports whether ino names a regular file.
func (fs *EncryptedFS) IsFile(ino uint64) (bool, error) {
	attr, err := fs.GetAttr(ino)
	if err != nil {
		return false, err
	}
	return attr.Kind == RegularFile, nil
}

// ChildrenCount returns the number of directory entries under parentIno,
// excluding the self-reference (".") entry but including the
// parent-reference ("..") entry: ReadDir's listing minus its "." row.
func (fs *EncryptedFS) ChildrenCount(parentIno uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entries, err := fs.listDirEntries(parentIno)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// GetAttr returns a copy of the persisted attributes for ino.
func (fs *EncryptedFS) GetAttr(ino uint64) (*FileAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readAttr(ino)
}

// findByNameLocked resolves name inside parentIno to its attr record.
// Callers must hold fs.mu.
func (fs *EncryptedFS) findByNameLocked(parentIno uint64, name string) (*FileAttr, error) {
	hostName, err := mangleName(name)
	if err != nil {
		return nil, err
	}
	rec, err := fs.readDirEntry(parentIno, hostName)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", fserrors.ErrNotFound, name)
		}
		return nil, err
	}
	return fs.readAttr(rec.Ino)
}

// FindByName resolves one child name inside a directory to its attributes.
func (fs *EncryptedFS) FindByName(parentIno uint64, name string) (*FileAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.findByNameLocked(parentIno, name)
}

// CreateNode creates a new child of kind under parentIno named name and
// returns its freshly-allocated attributes. For a regular file, read/write
// additionally open a handle over the new (empty) content stream, exactly
// as a subsequent Open would; the returned handle is 0 when neither flag
// is set or the node is a directory.
func (fs *EncryptedFS) CreateNode(parentIno uint64, name string, kind FileType, perm uint32, uid, gid uint32, read, write bool) (*FileAttr, uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.readAttr(parentIno)
	if err != nil {
		return nil, 0, err
	}
	if parent.Kind != Directory {
		return nil, 0, fmt.Errorf("%w: parent %d is not a directory", fserrors.ErrInvalidInodeType, parentIno)
	}
	if err := validateEntryName(name); err != nil {
		return nil, 0, err
	}
	hostName, err := mangleName(name)
	if err != nil {
		return nil, 0, err
	}
	if _, err := fs.readDirEntry(parentIno, hostName); err == nil {
		return nil, 0, fmt.Errorf("%w: %s", fserrors.ErrAlreadyExists, name)
	} else if !errors.Is(err, fserrors.ErrNotFound) {
		return nil, 0, err
	}

	ino, err := fs.allocateIno()
	if err != nil {
		return nil, 0, err
	}
	now := fs.clock.Now()
	attr := &FileAttr{
		Ino:       ino,
		Kind:      kind,
		Perm:      perm,
		Uid:       uid,
		Gid:       gid,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Crtime:    now,
		BlockSize: preferredBlockSize,
	}
	if kind == Directory {
		attr.Nlink = 2
	} else {
		attr.Nlink = 1
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			return nil, 0, fmt.Errorf("%w: generating content nonce seed: %v", fserrors.ErrIO, err)
		}
		attr.NonceSeed = binary.LittleEndian.Uint64(seedBytes[:])
	}

	if kind == Directory {
		if err := ensureDir(fs.contentPath(ino)); err != nil {
			return nil, 0, err
		}
		if err := fs.writeDirEntry(ino, selfEntryHostName, dirEntryRecord{Ino: ino, Kind: Directory}); err != nil {
			return nil, 0, err
		}
		if err := fs.writeDirEntry(ino, parentEntryHostName, dirEntryRecord{Ino: parentIno, Kind: Directory}); err != nil {
			return nil, 0, err
		}
	} else {
		if err := fs.createEmptyContent(ino); err != nil {
			return nil, 0, err
		}
	}
	if err := fs.writeAttr(attr); err != nil {
		return nil, 0, err
	}
	if err := fs.writeDirEntry(parentIno, hostName, dirEntryRecord{Ino: ino, Kind: kind}); err != nil {
		return nil, 0, err
	}

	if kind == Directory {
		parent.Nlink++
	}
	parent.Mtime = now
	parent.Ctime = now
	if err := fs.writeAttr(parent); err != nil {
		return nil, 0, err
	}

	var handle uint64
	if kind == RegularFile && (read || write) {
		handle, err = fs.openLocked(attr, read, write)
		if err != nil {
			return nil, 0, err
		}
	}
	return attr, handle, nil
}

// createEmptyContent materialises an empty content object for a fresh
// regular file, keeping the inode/content pairing invariant from the
// moment of creation. An empty AEAD stream is an empty file: sealing zero
// chunks emits zero bytes.
func (fs *EncryptedFS) createEmptyContent(ino uint64) error {
	f, err := os.OpenFile(fs.contentPath(ino), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: creating content file for inode %d: %v", fserrors.ErrIO, ino, err)
	}
	return f.Close()
}

// ReadDirEntry is the public shape of one directory listing row.
type ReadDirEntry struct {
	Name string
	Ino  uint64
	Kind FileType
}

// ReadDir lists parentIno's children, "." and ".." included.
func (fs *EncryptedFS) ReadDir(parentIno uint64) ([]ReadDirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	raw, err := fs.listDirEntries(parentIno)
	if err != nil {
		return nil, err
	}
	out := make([]ReadDirEntry, 0, len(raw)+1)
	out = append(out, ReadDirEntry{Name: ".", Ino: parentIno, Kind: Directory})
	for _, e := range raw {
		out = append(out, ReadDirEntry{Name: e.Name, Ino: e.Ino, Kind: e.Kind})
	}
	return out, nil
}

// ReadDirPlusEntry is ReadDir's row plus the child's full attributes, for
// callers that would otherwise issue one lookup per entry right after a
// readdir.
type ReadDirPlusEntry struct {
	ReadDirEntry
	Attr *FileAttr
}

func (fs *EncryptedFS) ReadDirPlus(parentIno uint64) ([]ReadDirPlusEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	raw, err := fs.listDirEntries(parentIno)
	if err != nil {
		return nil, err
	}
	selfAttr, err := fs.readAttr(parentIno)
	if err != nil {
		return nil, err
	}
	out := make([]ReadDirPlusEntry, 0, len(raw)+1)
	out = append(out, ReadDirPlusEntry{ReadDirEntry{Name: ".", Ino: parentIno, Kind: Directory}, selfAttr})
	for _, e := range raw {
		attr, err := fs.readAttr(e.Ino)
		if err != nil {
			return nil, err
		}
		out = append(out, ReadDirPlusEntry{ReadDirEntry{Name: e.Name, Ino: e.Ino, Kind: e.Kind}, attr})
	}
	return out, nil
}

// Open allocates a handle over ino's content stream, installing a read
// stream, a write stream, or both. The handle id is drawn from one
// monotonic counter regardless of mode.
func (fs *EncryptedFS) Open(ino uint64, read, write bool) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !read && !write {
		return 0, fmt.Errorf("%w: open with neither read nor write", fserrors.ErrInvalidInput)
	}
	attr, err := fs.readAttr(ino)
	if err != nil {
		return 0, err
	}
	if attr.Kind != RegularFile {
		return 0, fmt.Errorf("%w: inode %d is not a regular file", fserrors.ErrInvalidInodeType, ino)
	}
	return fs.openLocked(attr, read, write)
}

// openLocked installs the streams for an already-validated regular file
// attr. Callers must hold fs.mu.
func (fs *EncryptedFS) openLocked(attr *FileAttr, read, write bool) (uint64, error) {
	h := &fsHandle{ino: attr.Ino, attr: attr}
	if read {
		opener, err := cryptofile.OpenReader(fs.contentPath(attr.Ino), fs.cipherKind, fs.key, attr.NonceSeed, fs.chunkSize)
		if err != nil {
			return 0, err
		}
		h.reader = opener
	}
	if write {
		sealer, err := cryptofile.NewWriter(fs.contentPath(attr.Ino), fs.tmpDir, fs.cipherKind, fs.key, attr.NonceSeed, fs.chunkSize, &readerInvalidator{h})
		if err != nil {
			if h.reader != nil {
				_ = h.reader.Close()
			}
			return 0, err
		}
		h.writer = sealer
	}
	return fs.handles.allocate(h), nil
}

// Read fills buf from offset within the content stream behind handle,
// clamping at the handle's cached size so callers never see zero padding
// from a short final chunk. The access time is updated in the cached attr
// only; it reaches disk at release.
func (fs *EncryptedFS) Read(handle uint64, offset uint64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles.get(handle)
	if !ok || h.reader == nil {
		return 0, fserrors.ErrInvalidHandle
	}
	if offset >= h.attr.Size {
		return 0, nil
	}
	if want := h.attr.Size - offset; uint64(len(buf)) > want {
		buf = buf[:want]
	}
	n, err := h.reader.ReadAt(offset, buf)
	if err != nil {
		return n, err
	}
	h.attr.Atime = fs.clock.Now()
	return n, nil
}

// WriteAll writes the entirety of p at offset through handle. The cached
// attr absorbs the size growth and mtime/ctime bump; both reach disk at
// flush or release.
func (fs *EncryptedFS) WriteAll(handle uint64, offset uint64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles.get(handle)
	if !ok || h.writer == nil {
		return 0, fserrors.ErrInvalidHandle
	}
	if _, err := h.writer.SeekFromStart(offset); err != nil {
		return 0, err
	}
	n, err := h.writer.Write(p)
	if err != nil {
		return n, err
	}

	if newSize := offset + uint64(n); newSize > h.attr.Size {
		h.attr.Size = newSize
		h.attr.Blocks = blocksFor(newSize)
	}
	now := fs.clock.Now()
	h.attr.Mtime = now
	h.attr.Ctime = now
	h.wroteAttr = true
	return n, nil
}

// Flush merges a write handle's staged content into the canonical content
// path without releasing the handle, and persists the cached attr so
// readers opened afterwards see a size consistent with the merged bytes.
// Flushing a read-only handle is a no-op.
func (fs *EncryptedFS) Flush(handle uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles.get(handle)
	if !ok {
		return fserrors.ErrInvalidHandle
	}
	if h.writer == nil {
		return nil
	}
	if err := h.writer.Flush(); err != nil {
		return err
	}
	return fs.persistHandleAttr(h)
}

// ReleaseHandle finalises any active sealer (performing the staging
// rename), closes any read stream, persists the cached attr, and forgets
// the handle. Called exactly once per handle returned by Open/CreateNode.
func (fs *EncryptedFS) ReleaseHandle(handle uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles.get(handle)
	if !ok {
		return fserrors.ErrInvalidHandle
	}
	fs.handles.remove(handle)

	var firstErr error
	if h.writer != nil {
		f, err := h.writer.Finish()
		if err != nil {
			firstErr = err
		} else {
			_ = f.Close()
		}
	}
	if h.reader != nil {
		if err := h.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := fs.persistHandleAttr(h); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// persistHandleAttr writes a handle's cached attr back to the inode
// store. Write handles own the record and persist it wholesale; read-only
// handles fold just the access time into the current on-disk record, so a
// concurrent-and-already-released writer's size update isn't clobbered by
// a stale cache. An inode unlinked while the handle was open is left
// unlinked.
func (fs *EncryptedFS) persistHandleAttr(h *fsHandle) error {
	disk, err := fs.readAttr(h.ino)
	if err != nil {
		if errors.Is(err, fserrors.ErrInodeNotFound) {
			return nil
		}
		return err
	}
	if h.wroteAttr {
		return fs.writeAttr(h.attr)
	}
	disk.Atime = h.attr.Atime
	return fs.writeAttr(disk)
}

// SetAttr updates the mode bits and/or explicit timestamps on ino,
// bumping ctime, and returns the updated record. Nil arguments leave the
// corresponding field untouched. Size changes go through Truncate instead.
func (fs *EncryptedFS) SetAttr(ino uint64, perm *uint32, atime, mtime *time.Time) (*FileAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	attr, err := fs.readAttr(ino)
	if err != nil {
		return nil, err
	}
	if perm != nil {
		attr.Perm = *perm
	}
	if atime != nil {
		attr.Atime = *atime
	}
	if mtime != nil {
		attr.Mtime = *mtime
	}
	attr.Ctime = fs.clock.Now()
	if err := fs.writeAttr(attr); err != nil {
		return nil, err
	}
	return attr, nil
}

// Truncate resizes ino's content stream to size, re-sealing the surviving
// prefix on a shrink and zero-filling on a grow. Truncating to zero takes
// the fast path of recreating an empty content object.
func (fs *EncryptedFS) Truncate(ino uint64, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	attr, err := fs.readAttr(ino)
	if err != nil {
		return err
	}
	if attr.Kind != RegularFile {
		return fmt.Errorf("%w: inode %d is not a regular file", fserrors.ErrInvalidInodeType, ino)
	}
	if size == attr.Size {
		return nil
	}

	if size == 0 {
		if err := fs.createEmptyContent(ino); err != nil {
			return err
		}
	} else {
		sealer, err := cryptofile.NewWriter(fs.contentPath(ino), fs.tmpDir, fs.cipherKind, fs.key, attr.NonceSeed, fs.chunkSize, nil)
		if err != nil {
			return err
		}
		if err := sealer.Truncate(size); err != nil {
			return err
		}
	}
	logger.Debugf("truncated inode %d from %d to %d bytes", ino, attr.Size, size)

	attr.Size = size
	attr.Blocks = blocksFor(size)
	now := fs.clock.Now()
	attr.Mtime = now
	attr.Ctime = now
	return fs.writeAttr(attr)
}

// Rename moves name from oldParent to newName under newParent, replacing
// an existing regular file or empty directory at the destination. The
// replacement is not atomic: the existing entry is removed before the
// moved entry is written. Moving a directory across parents rewrites its stored
// parent-reference entry.
func (fs *EncryptedFS) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if oldParent == newParent && oldName == newName {
		return nil
	}
	if err := validateEntryName(oldName); err != nil {
		return err
	}
	if err := validateEntryName(newName); err != nil {
		return err
	}
	oldHostName, err := mangleName(oldName)
	if err != nil {
		return err
	}
	newHostName, err := mangleName(newName)
	if err != nil {
		return err
	}
	rec, err := fs.readDirEntry(oldParent, oldHostName)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return fmt.Errorf("%w: %s", fserrors.ErrNotFound, oldName)
		}
		return err
	}

	if existing, err := fs.readDirEntry(newParent, newHostName); err == nil {
		if existing.Kind == Directory {
			if err := fs.removeDirLocked(newParent, newHostName, existing.Ino); err != nil {
				return err
			}
		} else {
			if err := fs.unlinkLocked(newParent, newHostName, existing.Ino); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, fserrors.ErrNotFound) {
		return err
	}

	if err := fs.writeDirEntry(newParent, newHostName, dirEntryRecord{Ino: rec.Ino, Kind: rec.Kind}); err != nil {
		return err
	}
	if err := fs.removeDirEntry(oldParent, oldHostName); err != nil {
		return err
	}
	if rec.Kind == Directory && newParent != oldParent {
		if err := fs.writeDirEntry(rec.Ino, parentEntryHostName, dirEntryRecord{Ino: newParent, Kind: Directory}); err != nil {
			return err
		}
	}

	now := fs.clock.Now()
	if oldAttr, err := fs.readAttr(rec.Ino); err == nil {
		oldAttr.Ctime = now
		_ = fs.writeAttr(oldAttr)
	}
	return nil
}

// RemoveFile unlinks name, a regular file, from parentIno.
func (fs *EncryptedFS) RemoveFile(parentIno uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := validateEntryName(name); err != nil {
		return err
	}
	hostName, err := mangleName(name)
	if err != nil {
		return err
	}
	rec, err := fs.readDirEntry(parentIno, hostName)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return fmt.Errorf("%w: %s", fserrors.ErrNotFound, name)
		}
		return err
	}
	if rec.Kind != RegularFile {
		return fmt.Errorf("%w: %s is not a regular file", fserrors.ErrInvalidInodeType, name)
	}
	return fs.unlinkLocked(parentIno, hostName, rec.Ino)
}

func (fs *EncryptedFS) unlinkLocked(parentIno uint64, hostName string, ino uint64) error {
	if err := fs.removeDirEntry(parentIno, hostName); err != nil {
		return err
	}
	if err := fs.removeAttr(ino); err != nil {
		return err
	}
	if parent, err := fs.readAttr(parentIno); err == nil {
		now := fs.clock.Now()
		parent.Mtime = now
		parent.Ctime = now
		_ = fs.writeAttr(parent)
	}
	return removeAll(fs.contentPath(ino))
}

// RemoveDir removes an empty directory named name from parentIno.
func (fs *EncryptedFS) RemoveDir(parentIno uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := validateEntryName(name); err != nil {
		return err
	}
	hostName, err := mangleName(name)
	if err != nil {
		return err
	}
	rec, err := fs.readDirEntry(parentIno, hostName)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return fmt.Errorf("%w: %s", fserrors.ErrNotFound, name)
		}
		return err
	}
	if rec.Kind != Directory {
		return fmt.Errorf("%w: %s is not a directory", fserrors.ErrInvalidInodeType, name)
	}
	return fs.removeDirLocked(parentIno, hostName, rec.Ino)
}

func (fs *EncryptedFS) removeDirLocked(parentIno uint64, hostName string, ino uint64) error {
	entries, err := fs.listDirEntries(ino)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.HostName == parentEntryHostName {
			continue
		}
		return fserrors.ErrNotEmpty
	}
	if err := fs.removeDirEntry(parentIno, hostName); err != nil {
		return err
	}
	if err := fs.removeAttr(ino); err != nil {
		return err
	}

	if parent, err := fs.readAttr(parentIno); err == nil {
		if parent.Nlink > 0 {
			parent.Nlink--
		}
		now := fs.clock.Now()
		parent.Mtime = now
		parent.Ctime = now
		_ = fs.writeAttr(parent)
	}
	return removeAll(fs.contentPath(ino))
}

// CopyFileRange copies up to length bytes from the file behind srcHandle
// at srcOffset to the file behind dstHandle at dstOffset, staging the
// plaintext through an internal buffer. srcHandle must be open for
// reading and dstHandle for writing.
func (fs *EncryptedFS) CopyFileRange(srcHandle uint64, srcOffset uint64, dstHandle uint64, dstOffset uint64, length uint64) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	src, ok := fs.handles.get(srcHandle)
	if !ok || src.reader == nil {
		return 0, fserrors.ErrInvalidHandle
	}
	dst, ok := fs.handles.get(dstHandle)
	if !ok || dst.writer == nil {
		return 0, fserrors.ErrInvalidHandle
	}

	if srcOffset >= src.attr.Size {
		return 0, nil
	}
	if avail := src.attr.Size - srcOffset; length > avail {
		length = avail
	}

	if _, err := dst.writer.SeekFromStart(dstOffset); err != nil {
		return 0, err
	}

	buf := make([]byte, 64*1024)
	var copied uint64
	for copied < length {
		want := uint64(len(buf))
		if length-copied < want {
			want = length - copied
		}
		n, err := src.reader.ReadAt(srcOffset+copied, buf[:want])
		if n > 0 {
			written, werr := dst.writer.Write(buf[:n])
			copied += uint64(written)
			if werr != nil {
				return copied, werr
			}
		}
		if err != nil {
			return copied, err
		}
		if n == 0 {
			break
		}
	}

	if newSize := dstOffset + copied; newSize > dst.attr.Size {
		dst.attr.Size = newSize
		dst.attr.Blocks = blocksFor(newSize)
	}
	now := fs.clock.Now()
	dst.attr.Mtime = now
	dst.attr.Ctime = now
	dst.wroteAttr = true
	return copied, nil
}

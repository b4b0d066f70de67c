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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/last-saiyan/rencfs/internal/crypto"
	"github.com/last-saiyan/rencfs/internal/fserrors"
)

const (
	attrSeedDomain  = "rencfs/attr"
	entrySeedDomain = "rencfs/entry"
)

// sealRecord encrypts a small gob-encoded record (an attr or a directory
// entry) as a single self-contained object and writes it to path via a
// temp-file-plus-rename so a crash never leaves a half-written record.
func (fs *EncryptedFS) sealRecord(path string, seed uint64, v any) error {
	plain, err := marshal(v)
	if err != nil {
		return err
	}

	aead, err := crypto.NewAEAD(fs.cipherKind, fs.key)
	if err != nil {
		return fmt.Errorf("%w: %v", fserrors.ErrCryptoFailure, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", fserrors.ErrIO, dir, err)
	}
	tmp, err := os.CreateTemp(dir, stagingFilePrefix+"record-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp record file: %v", fserrors.ErrIO, err)
	}
	tmpPath := tmp.Name()
	w := crypto.NewWriter(tmp, aead, seed, fs.chunkSize)
	if _, err := w.Write(plain); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: sealing record: %v", fserrors.ErrCryptoFailure, err)
	}
	if err := w.Finish(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: finishing sealed record: %v", fserrors.ErrCryptoFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing temp record file: %v", fserrors.ErrIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming record into place: %v", fserrors.ErrIO, err)
	}
	return nil
}

// openRecord reads and decrypts a record previously written by sealRecord.
func (fs *EncryptedFS) openRecord(path string, seed uint64, v any) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fserrors.ErrNotFound
		}
		return fmt.Errorf("%w: opening %s: %v", fserrors.ErrIO, path, err)
	}
	defer f.Close()

	aead, err := crypto.NewAEAD(fs.cipherKind, fs.key)
	if err != nil {
		return fmt.Errorf("%w: %v", fserrors.ErrCryptoFailure, err)
	}
	r := crypto.NewReader(f, aead, seed, fs.chunkSize)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, readerFunc(r.Read)); err != nil {
		return fmt.Errorf("%w: opening record %s: %v", fserrors.ErrCryptoFailure, path, err)
	}
	return unmarshal(buf.Bytes(), v)
}

// readerFunc adapts a bare Read method to io.Reader so io.Copy can drive it
// without exposing the concrete *crypto.Reader type here.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func (fs *EncryptedFS) readAttr(ino uint64) (*FileAttr, error) {
	var attr FileAttr
	seed := deriveSeed(attrSeedDomain, ino)
	if err := fs.openRecord(fs.inodePath(ino), seed, &attr); err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: inode %d", fserrors.ErrInodeNotFound, ino)
		}
		return nil, err
	}
	return &attr, nil
}

func (fs *EncryptedFS) writeAttr(attr *FileAttr) error {
	seed := deriveSeed(attrSeedDomain, attr.Ino)
	return fs.sealRecord(fs.inodePath(attr.Ino), seed, attr)
}

func (fs *EncryptedFS) removeAttr(ino uint64) error {
	if err := os.Remove(fs.inodePath(ino)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing inode %d: %v", fserrors.ErrIO, ino, err)
	}
	return nil
}

func (fs *EncryptedFS) writeDirEntry(parentIno uint64, hostName string, rec dirEntryRecord) error {
	seed := deriveSeed(entrySeedDomain, parentIno, fnvOfName(hostName))
	return fs.sealRecord(fs.entryPath(parentIno, hostName), seed, rec)
}

func (fs *EncryptedFS) readDirEntry(parentIno uint64, hostName string) (*dirEntryRecord, error) {
	var rec dirEntryRecord
	seed := deriveSeed(entrySeedDomain, parentIno, fnvOfName(hostName))
	if err := fs.openRecord(fs.entryPath(parentIno, hostName), seed, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (fs *EncryptedFS) removeDirEntry(parentIno uint64, hostName string) error {
	if err := os.Remove(fs.entryPath(parentIno, hostName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing entry %s: %v", fserrors.ErrIO, hostName, err)
	}
	return nil
}

// direntInfo is one decoded directory entry, as returned to callers doing
// a readdir.
type direntInfo struct {
	Name     string
	HostName string
	Ino      uint64
	Kind     FileType
}

// listDirEntries enumerates a directory's children in a stable order,
// skipping the self-reference entry (mangled name "$."). The parent-
// reference entry ("$..") is included, matching how "." and ".." are
// conventionally surfaced by a readdir implementation.
func (fs *EncryptedFS) listDirEntries(parentIno uint64) ([]direntInfo, error) {
	dir := fs.entryDirPath(parentIno)
	hostEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: inode %d", fserrors.ErrInodeNotFound, parentIno)
		}
		if errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w: inode %d is not a directory", fserrors.ErrInvalidInodeType, parentIno)
		}
		return nil, fmt.Errorf("%w: listing %s: %v", fserrors.ErrIO, dir, err)
	}

	names := make([]string, 0, len(hostEntries))
	for _, e := range hostEntries {
		if e.IsDir() || e.Name() == selfEntryHostName {
			continue
		}
		// A crash between a record's temp write and its rename can leave
		// a staging file behind; it is not an entry.
		if strings.HasPrefix(e.Name(), stagingFilePrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]direntInfo, 0, len(names))
	for _, hostName := range names {
		rec, err := fs.readDirEntry(parentIno, hostName)
		if err != nil {
			return nil, err
		}
		name, err := unmangleName(hostName)
		if err != nil {
			return nil, err
		}
		out = append(out, direntInfo{Name: name, HostName: hostName, Ino: rec.Ino, Kind: rec.Kind})
	}
	return out, nil
}

// fnvOfName folds a mangled host name into a 64-bit value for deriveSeed,
// which only accepts integer components; the fold only needs to be
// collision-resistant enough to keep distinct siblings' entry files from
// sharing a nonce seed, not to be cryptographically strong on its own,
// since the seed is hashed again downstream before it ever drives a
// keystream.
func fnvOfName(name string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= prime64
	}
	return h
}

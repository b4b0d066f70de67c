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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

const (
	inodesDirName   = "inodes"
	contentsDirName = "contents"
	securityDirName = "security"

	// RootIno is the constant inode number of the filesystem root. It is
	// pre-materialised at mount if absent.
	RootIno uint64 = 1

	stagingFilePrefix = "rencfs-staging-"
)

func (fs *EncryptedFS) inodePath(ino uint64) string {
	return filepath.Join(fs.dataDir, inodesDirName, fmt.Sprintf("%d", ino))
}

func (fs *EncryptedFS) contentPath(ino uint64) string {
	return filepath.Join(fs.dataDir, contentsDirName, fmt.Sprintf("%d", ino))
}

func (fs *EncryptedFS) entryDirPath(parentIno uint64) string {
	return fs.contentPath(parentIno)
}

func (fs *EncryptedFS) entryPath(parentIno uint64, hostName string) string {
	return filepath.Join(fs.entryDirPath(parentIno), hostName)
}

// ensureLayout creates the top-level data directory structure if absent.
func (fs *EncryptedFS) ensureLayout() error {
	for _, dir := range []string{inodesDirName, contentsDirName, securityDirName} {
		if err := os.MkdirAll(filepath.Join(fs.dataDir, dir), 0o700); err != nil {
			return fmt.Errorf("%w: creating %s: %v", fserrors.ErrIO, dir, err)
		}
	}
	return nil
}

// bootstrapRoot synthesises the root directory (inode 1) the first time the
// store is mounted. It is idempotent: if inode 1 already has an attr file,
// it is left untouched.
func (fs *EncryptedFS) bootstrapRoot() error {
	if _, err := os.Stat(fs.inodePath(RootIno)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: statting root inode: %v", fserrors.ErrIO, err)
	}

	now := fs.clock.Now()
	uid, gid := hostOwnership(fs.dataDir)
	root := &FileAttr{
		Ino:       RootIno,
		Kind:      Directory,
		Perm:      0o755,
		Nlink:     2,
		Uid:       uid,
		Gid:       gid,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Crtime:    now,
		BlockSize: preferredBlockSize,
	}
	if err := os.MkdirAll(fs.contentPath(RootIno), 0o700); err != nil {
		return fmt.Errorf("%w: creating root content dir: %v", fserrors.ErrIO, err)
	}
	if err := fs.writeAttr(root); err != nil {
		return err
	}
	return fs.writeDirEntry(RootIno, selfEntryHostName, dirEntryRecord{Ino: RootIno, Kind: Directory})
}

// ensureDir creates dir if absent, matching the permission bits used
// elsewhere for the data directory's own internal structure.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", fserrors.ErrIO, dir, err)
	}
	return nil
}

// removeAll deletes a content object (a single encrypted file, or a
// directory's whole entry tree) and tolerates it already being gone.
func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: removing %s: %v", fserrors.ErrIO, path, err)
	}
	return nil
}

// hostOwnership reports the uid/gid that owns path on the host, falling
// back to the process's own identity if the stat fails or the platform
// doesn't expose it the usual unix way.
func hostOwnership(path string) (uid, gid uint32) {
	uid, gid = uint32(os.Getuid()), uint32(os.Getgid())
	if info, err := os.Stat(path); err == nil {
		if u, g, ok := platformOwnership(info); ok {
			return u, g
		}
	}
	return uid, gid
}

// scavengeStaging deletes orphaned staging files left behind by a crash
// between a rename's staging-file write and the rename itself. Any file
// still present under tmpDir with our staging prefix is, by construction,
// not referenced by any canonical path (the rename is the only thing that
// ever gives a staging file meaning), so it is always safe to remove on
// mount, before any writer has been created.
func scavengeStaging(tmpDir string) (removed int, err error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: reading tmp dir: %v", fserrors.ErrIO, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingFilePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(tmpDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("%w: removing orphaned staging file %s: %v", fserrors.ErrIO, entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

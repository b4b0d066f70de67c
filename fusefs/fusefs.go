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

// Package fusefs binds the encrypted filesystem engine to the kernel via
// github.com/jacobsa/fuse. Each FUSE op translates 1:1 onto one engine
// operation; the engine owns all state, this layer owns only directory
// listing handles (the engine has no readdir cursor concept) and the
// error translation from the engine's typed errors to errno values.
package fusefs

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	rencfs "github.com/last-saiyan/rencfs/fs"
	"github.com/last-saiyan/rencfs/internal/fserrors"
	"github.com/last-saiyan/rencfs/internal/logger"
)

// attrCacheTTL is how long the kernel may cache attributes and entries we
// hand out. The engine is the only writer to the store, so a generous TTL
// is safe.
const attrCacheTTL = time.Minute

// ServerConfig carries the engine and the owner identity applied to
// inodes created through this mount. Permission bits come from each
// create request's mode.
type ServerConfig struct {
	Engine *rencfs.EncryptedFS

	// Uid and Gid own every inode created through the mount.
	Uid uint32
	Gid uint32
}

// NewServer wraps the engine in a fuse.Server ready to hand to
// fuse.Mount.
func NewServer(cfg *ServerConfig) fuse.Server {
	srv := &fileSystem{
		engine:     cfg.Engine,
		uid:        cfg.Uid,
		gid:        cfg.Gid,
		dirHandles: make(map[fuseops.HandleID][]fuseutil.Dirent),
	}
	return fuseutil.NewFileSystemServer(srv)
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	engine *rencfs.EncryptedFS
	uid    uint32
	gid    uint32

	mu            sync.Mutex
	dirHandles    map[fuseops.HandleID][]fuseutil.Dirent
	nextDirHandle fuseops.HandleID
}

// errno maps the engine's typed errors onto the errno vocabulary the
// kernel understands. Crypto and I/O failures surface as EIO after being
// logged; they must never be silently swallowed.
func errno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fserrors.ErrNotFound), errors.Is(err, fserrors.ErrInodeNotFound):
		return fuse.ENOENT
	case errors.Is(err, fserrors.ErrAlreadyExists):
		return fuse.EEXIST
	case errors.Is(err, fserrors.ErrNotEmpty):
		return fuse.ENOTEMPTY
	case errors.Is(err, fserrors.ErrInvalidInodeType), errors.Is(err, fserrors.ErrInvalidInput), errors.Is(err, fserrors.ErrInvalidHandle):
		return fuse.EINVAL
	default:
		logger.Errorf("fuse op failed: %v", err)
		return fuse.EIO
	}
}

func (fs *fileSystem) fuseAttributes(attr *rencfs.FileAttr) fuseops.InodeAttributes {
	mode := os.FileMode(attr.Perm)
	if attr.Kind == rencfs.Directory {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:   attr.Size,
		Nlink:  attr.Nlink,
		Mode:   mode,
		Atime:  attr.Atime,
		Mtime:  attr.Mtime,
		Ctime:  attr.Ctime,
		Crtime: attr.Crtime,
		Uid:    attr.Uid,
		Gid:    attr.Gid,
	}
}

func (fs *fileSystem) fillEntry(entry *fuseops.ChildInodeEntry, attr *rencfs.FileAttr) {
	entry.Child = fuseops.InodeID(attr.Ino)
	entry.Attributes = fs.fuseAttributes(attr)
	entry.AttributesExpiration = time.Now().Add(attrCacheTTL)
	entry.EntryExpiration = entry.AttributesExpiration
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	blockSize, blocks, free, avail, err := hostFSUsage(fs.engine.DataDir())
	if err != nil {
		return errno(err)
	}
	op.BlockSize = blockSize
	op.Blocks = blocks
	op.BlocksFree = free
	op.BlocksAvailable = avail
	op.IoSize = blockSize
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	attr, err := fs.engine.FindByName(uint64(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	fs.fillEntry(&op.Entry, attr)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attr, err := fs.engine.GetAttr(uint64(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Attributes = fs.fuseAttributes(attr)
	op.AttributesExpiration = time.Now().Add(attrCacheTTL)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil {
		if err := fs.engine.Truncate(uint64(op.Inode), *op.Size); err != nil {
			return errno(err)
		}
	}

	var perm *uint32
	if op.Mode != nil {
		p := uint32(*op.Mode & os.ModePerm)
		perm = &p
	}
	var attr *rencfs.FileAttr
	var err error
	if perm != nil || op.Atime != nil || op.Mtime != nil {
		attr, err = fs.engine.SetAttr(uint64(op.Inode), perm, op.Atime, op.Mtime)
	} else {
		attr, err = fs.engine.GetAttr(uint64(op.Inode))
	}
	if err != nil {
		return errno(err)
	}
	op.Attributes = fs.fuseAttributes(attr)
	op.AttributesExpiration = time.Now().Add(attrCacheTTL)
	return nil
}

// ForgetInode is a no-op: the engine keeps no per-inode in-memory state
// outside open handles.
func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	attr, _, err := fs.engine.CreateNode(uint64(op.Parent), op.Name, rencfs.Directory, uint32(op.Mode&os.ModePerm), fs.uid, fs.gid, false, false)
	if err != nil {
		return errno(err)
	}
	fs.fillEntry(&op.Entry, attr)
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	attr, handle, err := fs.engine.CreateNode(uint64(op.Parent), op.Name, rencfs.RegularFile, uint32(op.Mode&os.ModePerm), fs.uid, fs.gid, true, true)
	if err != nil {
		return errno(err)
	}
	fs.fillEntry(&op.Entry, attr)
	op.Handle = fuseops.HandleID(handle)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return errno(fs.engine.Rename(uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName))
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(fs.engine.RemoveDir(uint64(op.Parent), op.Name))
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(fs.engine.RemoveFile(uint64(op.Parent), op.Name))
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	entries, err := fs.engine.ReadDir(uint64(op.Inode))
	if err != nil {
		return errno(err)
	}

	dirents := make([]fuseutil.Dirent, 0, len(entries))
	for i, e := range entries {
		typ := fuseutil.DT_File
		if e.Kind == rencfs.Directory {
			typ = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   typ,
		})
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextDirHandle++
	op.Handle = fs.nextDirHandle
	fs.dirHandles[op.Handle] = dirents
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dirents, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}
	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return fuse.EINVAL
	}

	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// The kernel doesn't re-open on access-mode changes, so every handle
	// carries both streams; a handle used only for reads releases an
	// untouched sealer at no cost beyond one staging file.
	handle, err := fs.engine.Open(uint64(op.Inode), true, true)
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(handle)
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := fs.engine.Read(uint64(op.Handle), uint64(op.Offset), op.Dst)
	op.BytesRead = n
	return errno(err)
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := fs.engine.WriteAll(uint64(op.Handle), uint64(op.Offset), op.Data)
	return errno(err)
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(fs.engine.Flush(uint64(op.Handle)))
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return errno(fs.engine.Flush(uint64(op.Handle)))
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errno(fs.engine.ReleaseHandle(uint64(op.Handle)))
}

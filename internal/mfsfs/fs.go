// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
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

// Package mfsfs implements the FUSE request-dispatch surface that answers
// kernel filesystem operations by consulting an in-memory inode table and
// calling out to a remote MFS node. It is purely reactive and owns no
// background tasks.
//
// The kernel driver serialises every request and waits for a reply before
// delivering the next one, so the inode table requires no additional
// locking discipline beyond what it already does defensively.
package mfsfs

import (
	"context"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/inodetable"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/logger"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/metrics"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mfsclient"
)

// RemoteMFS is the slice of the MFS client the dispatcher consumes. It is
// satisfied by *mfsclient.Client; tests substitute an in-memory fake.
type RemoteMFS interface {
	Ls(ctx context.Context, path string) ([]mfsclient.Entry, error)
	Stat(ctx context.Context, path string) (mfsclient.Stat, error)
	Read(ctx context.Context, path string, offset, count int64) ([]byte, error)
	Write(ctx context.Context, path string, offset int64, data []byte) error
	Mkdir(ctx context.Context, path string, parents bool) error
	Rename(ctx context.Context, src, dest string) error
	Rm(ctx context.Context, path string, recursive, force bool) error
}

// Config carries every tunable the dispatcher needs at construction time.
type Config struct {
	Client   RemoteMFS
	Clock    timeutil.Clock
	Metrics  *metrics.Handle
	Uid      uint32
	Gid      uint32
	FilePerm os.FileMode
	DirPerm  os.FileMode
}

// FileSystem implements fuseutil.FileSystem against a RemoteMFS client and
// a local inode table. Any method not overridden here inherits the
// NotImplementedFileSystem behavior of replying ENOSYS, which matches this
// filesystem's deliberately narrow feature set: no xattrs, no hard links,
// no locking.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	client  RemoteMFS
	clock   timeutil.Clock
	metrics *metrics.Handle

	uid, gid          uint32
	filePerm, dirPerm os.FileMode

	table *inodetable.Table

	mu         sync.Mutex
	nextHandle fuseops.HandleID
}

// New constructs a ready-to-mount FileSystem.
func New(cfg Config) *FileSystem {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &FileSystem{
		client:   cfg.Client,
		clock:    clock,
		metrics:  cfg.Metrics,
		uid:      cfg.Uid,
		gid:      cfg.Gid,
		filePerm: cfg.FilePerm,
		dirPerm:  cfg.DirPerm,
		table:    inodetable.New(),
	}
}

func (fs *FileSystem) Destroy() {}

func (fs *FileSystem) allocHandle() fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextHandle++
	return fs.nextHandle
}

func (fs *FileSystem) record(op string, err error) error {
	fs.metrics.RecordOp(op, err == nil)
	return err
}

func joinPath(dirPath, name string) string {
	if dirPath == "/" {
		return "/" + name
	}
	return dirPath + "/" + name
}

// LookUpInode resolves a child name under a known parent inode.
func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return fs.record("lookup", fs.lookUpInode(ctx, op))
}

func (fs *FileSystem) lookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if !utf8.ValidString(op.Name) {
		return fuse.EINVAL
	}

	parentPath, err := fs.table.Path(uint64(op.Parent))
	if err != nil {
		return fuse.ENOENT
	}

	childPath := joinPath(parentPath, op.Name)
	st, err := fs.client.Stat(ctx, childPath)
	if err != nil {
		logger.Warnf("lookup stat %q failed: %v", childPath, err)
		return fuse.ENOENT
	}

	childIno, ok := fs.table.Lookup(uint64(op.Parent), op.Name)
	if !ok {
		return fuse.ENOENT
	}

	attrs := synthesizeAttrs(st, fs.uid, fs.gid, fs.filePerm, fs.dirPerm, fs.clock)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(childIno),
		Attributes:           attrs,
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	return nil
}

// GetInodeAttributes refreshes the attributes for a known inode.
func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return fs.record("getattr", fs.getInodeAttributes(ctx, op))
}

func (fs *FileSystem) getInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, err := fs.table.Path(uint64(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}

	st, err := fs.client.Stat(ctx, path)
	if err != nil {
		logger.Warnf("getattr stat %q failed: %v", path, err)
		return fuse.ENOENT
	}

	op.Attributes = synthesizeAttrs(st, fs.uid, fs.gid, fs.filePerm, fs.dirPerm, fs.clock)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	return nil
}

// SetInodeAttributes honours only a size change, per the filesystem's
// known setattr limitation: the remote is never consulted.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fs.record("setattr", fs.setInodeAttributes(op))
}

func (fs *FileSystem) setInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	size := uint64(0)
	if op.Size != nil {
		size = *op.Size
	}
	op.Attributes = sizeAttrs(size, fs.uid, fs.gid, fs.filePerm, fs.clock)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	return nil
}

// MkDir creates a directory both remotely and in the local table.
func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.record("mkdir", fs.mkDir(ctx, op))
}

func (fs *FileSystem) mkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, err := fs.table.Path(uint64(op.Parent))
	if err != nil {
		return fuse.ENOENT
	}

	childPath := joinPath(parentPath, op.Name)
	if err := fs.client.Mkdir(ctx, childPath, false); err != nil {
		logger.Errorf("mkdir %q failed: %v", childPath, err)
		return fuse.EIO
	}

	ino, err := fs.table.CreateChild(uint64(op.Parent), op.Name)
	if err != nil {
		switch err {
		case inodetable.ErrFileExists:
			return fuse.EEXIST
		default:
			logger.Errorf("mkdir local table insert %q failed: %v", childPath, err)
			return fuse.EIO
		}
	}

	op.Entry = fuseops.ChildInodeEntry{
		Child: fuseops.InodeID(ino),
		Attributes: fuseops.InodeAttributes{
			Nlink:  2,
			Mode:   fs.dirPerm | os.ModeDir,
			Uid:    fs.uid,
			Gid:    fs.gid,
			Atime:  fs.clock.Now(),
			Mtime:  fs.clock.Now(),
			Ctime:  fs.clock.Now(),
			Crtime: fs.clock.Now(),
		},
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	return nil
}

// MkNode creates an empty file both remotely (via a zero-length write) and
// in the local table.
func (fs *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return fs.record("mknod", fs.mkNode(ctx, op))
}

func (fs *FileSystem) mkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parentPath, err := fs.table.Path(uint64(op.Parent))
	if err != nil {
		return fuse.ENOENT
	}

	childPath := joinPath(parentPath, op.Name)
	if err := fs.client.Write(ctx, childPath, 0, nil); err != nil {
		logger.Errorf("mknod write %q failed: %v", childPath, err)
		return fuse.EIO
	}

	ino, err := fs.table.CreateChild(uint64(op.Parent), op.Name)
	if err != nil {
		switch err {
		case inodetable.ErrFileExists:
			return fuse.EEXIST
		default:
			logger.Errorf("mknod local table insert %q failed: %v", childPath, err)
			return fuse.EIO
		}
	}

	op.Entry = fuseops.ChildInodeEntry{
		Child:      fuseops.InodeID(ino),
		Generation: fuseops.GenerationNumber(ino),
		Attributes: fuseops.InodeAttributes{
			Nlink:  1,
			Mode:   fs.filePerm,
			Uid:    fs.uid,
			Gid:    fs.gid,
			Atime:  fs.clock.Now(),
			Mtime:  fs.clock.Now(),
			Ctime:  fs.clock.Now(),
			Crtime: fs.clock.Now(),
		},
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	return nil
}

// OpenFile allocates an opaque handle. File descriptors carry no state in
// this filesystem, so this is pure bookkeeping.
func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	op.Handle = fs.allocHandle()
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

// ReadFile fetches bytes directly from the remote; there is no local cache.
func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return fs.record("read", fs.readFile(ctx, op))
}

func (fs *FileSystem) readFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	path, err := fs.table.Path(uint64(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}

	data, err := fs.client.Read(ctx, path, op.Offset, int64(len(op.Dst)))
	if err != nil {
		logger.Errorf("read %q failed: %v", path, err)
		return fuse.EIO
	}

	op.BytesRead = copy(op.Dst, data)
	return nil
}

// WriteFile uploads bytes directly to the remote.
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fs.record("write", fs.writeFile(ctx, op))
}

func (fs *FileSystem) writeFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	path, err := fs.table.Path(uint64(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}

	if err := fs.client.Write(ctx, path, op.Offset, op.Data); err != nil {
		logger.Errorf("write %q failed: %v", path, err)
		return fuse.EIO
	}
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error { return nil }
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error { return nil }

// OpenDir allocates an opaque handle, mirroring OpenFile.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	op.Handle = fs.allocHandle()
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

// ReadDir lists the remote directory and adopts previously-unseen entries
// into the local table, emitting dirents until the kernel's buffer fills.
// Entries the table already tracks keep their existing inode numbers;
// handing the kernel a different number here could corrupt its dentry
// cache.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return fs.record("readdir", fs.readDir(ctx, op))
}

func (fs *FileSystem) readDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, err := fs.table.Path(uint64(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}

	entries, err := fs.client.Ls(ctx, path)
	if err != nil {
		logger.Warnf("readdir ls %q failed: %v", path, err)
		return fuse.ENOENT
	}

	for i, e := range entries {
		offset := fuseops.DirOffset(i + 1)
		if offset <= op.Offset {
			continue
		}

		ino, err := fs.table.AdoptOrLookup(uint64(op.Inode), e.Name)
		if err != nil {
			logger.Warnf("readdir adopt %q/%q failed: %v", path, e.Name, err)
			continue
		}

		direntType := fuseutil.DT_File
		if e.Kind == mfsclient.KindDir {
			direntType = fuseutil.DT_Directory
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(ino),
			Name:   e.Name,
			Type:   direntType,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// ReadSymlink exposes the reconstructed path as the link target. This
// filesystem does not implement real symlinks; this is an affordance some
// tooling relies on for introspection.
func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	path, err := fs.table.Path(uint64(op.Inode))
	if err != nil {
		return fuse.ENOENT
	}
	op.Target = path
	return nil
}

// Rename moves an entry both remotely and in the local table.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fs.record("rename", fs.rename(ctx, op))
}

func (fs *FileSystem) rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParentPath, err := fs.table.Path(uint64(op.OldParent))
	if err != nil {
		return fuse.ENOENT
	}
	newParentPath, err := fs.table.Path(uint64(op.NewParent))
	if err != nil {
		return fuse.ENOENT
	}

	oldFull := joinPath(oldParentPath, op.OldName)
	newFull := joinPath(newParentPath, op.NewName)

	if err := fs.client.Rename(ctx, oldFull, newFull); err != nil {
		logger.Warnf("rename %q -> %q failed: %v", oldFull, newFull, err)
		return fuse.ENOENT
	}

	if err := fs.table.Rename(uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName); err != nil {
		if err == inodetable.ErrFileExists {
			return fuse.EEXIST
		}
		logger.Errorf("rename local table update %q -> %q failed: %v", oldFull, newFull, err)
		return fuse.EIO
	}
	return nil
}

// RmDir removes a directory both remotely and locally.
func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.record("rmdir", fs.removeEntry(ctx, uint64(op.Parent), op.Name, true))
}

// Unlink removes a file both remotely and locally.
func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.record("unlink", fs.removeEntry(ctx, uint64(op.Parent), op.Name, false))
}

func (fs *FileSystem) removeEntry(ctx context.Context, parent uint64, name string, recursive bool) error {
	parentPath, err := fs.table.Path(parent)
	if err != nil {
		return fuse.ENOENT
	}

	fullPath := joinPath(parentPath, name)
	if err := fs.client.Rm(ctx, fullPath, recursive, false); err != nil {
		logger.Warnf("remove %q failed: %v", fullPath, err)
		return fuse.ENOENT
	}

	ino, ok := fs.table.Lookup(parent, name)
	if !ok {
		return fuse.ENOENT
	}

	if err := fs.table.Remove(ino); err != nil {
		logger.Errorf("local table remove %q failed: %v", fullPath, err)
		return fuse.EIO
	}
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

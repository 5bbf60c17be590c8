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

package mfsfs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/inodetable"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mfsclient"
)

// fakeRemote is an in-memory stand-in for a Kubo node. Paths map to
// entries; mutations record themselves so tests can assert on the calls
// the dispatcher made.
type fakeRemote struct {
	files map[string][]byte
	dirs  map[string][]mfsclient.Entry

	// When set, every call fails with this error.
	err error

	rmCalls     []string
	renameCalls [][2]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files: map[string][]byte{},
		dirs:  map[string][]mfsclient.Entry{"/": nil},
	}
}

func (f *fakeRemote) Ls(ctx context.Context, path string) ([]mfsclient.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	entries, ok := f.dirs[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return entries, nil
}

func (f *fakeRemote) Stat(ctx context.Context, path string) (mfsclient.Stat, error) {
	if f.err != nil {
		return mfsclient.Stat{}, f.err
	}
	if data, ok := f.files[path]; ok {
		return mfsclient.Stat{Size: uint64(len(data)), Kind: mfsclient.KindFile}, nil
	}
	if entries, ok := f.dirs[path]; ok {
		return mfsclient.Stat{Blocks: uint64(len(entries)), Kind: mfsclient.KindDir}, nil
	}
	return mfsclient.Stat{}, errors.New("file does not exist")
}

func (f *fakeRemote) Read(ctx context.Context, path string, offset, count int64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + count
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (f *fakeRemote) Write(ctx context.Context, path string, offset int64, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRemote) Mkdir(ctx context.Context, path string, parents bool) error {
	if f.err != nil {
		return f.err
	}
	if _, exists := f.dirs[path]; exists {
		return errors.New("file already exists")
	}
	f.dirs[path] = nil
	return nil
}

func (f *fakeRemote) Rename(ctx context.Context, src, dest string) error {
	if f.err != nil {
		return f.err
	}
	f.renameCalls = append(f.renameCalls, [2]string{src, dest})
	if data, ok := f.files[src]; ok {
		delete(f.files, src)
		f.files[dest] = data
	}
	return nil
}

func (f *fakeRemote) Rm(ctx context.Context, path string, recursive, force bool) error {
	if f.err != nil {
		return f.err
	}
	f.rmCalls = append(f.rmCalls, path)
	delete(f.files, path)
	delete(f.dirs, path)
	return nil
}

const (
	testUid = uint32(501)
	testGid = uint32(20)
)

func newTestFS(remote *fakeRemote) (*FileSystem, *timeutil.SimulatedClock) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	fs := New(Config{
		Client:   remote,
		Clock:    clock,
		Uid:      testUid,
		Gid:      testGid,
		FilePerm: 0644,
		DirPerm:  0755,
	})
	return fs, clock
}

func mkDir(t *testing.T, fs *FileSystem, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.MkDirOp{Parent: parent, Name: name}
	require.NoError(t, fs.MkDir(context.Background(), op))
	return op.Entry.Child
}

func mkNode(t *testing.T, fs *FileSystem, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.MkNodeOp{Parent: parent, Name: name}
	require.NoError(t, fs.MkNode(context.Background(), op))
	return op.Entry.Child
}

func TestMkDirCreatesRemoteDirAndAllocatesInode(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	op := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "a"}
	require.NoError(t, fs.MkDir(context.Background(), op))

	_, exists := remote.dirs["/a"]
	assert.True(t, exists)
	assert.Equal(t, fuseops.InodeID(2), op.Entry.Child)
	assert.True(t, op.Entry.Attributes.Mode.IsDir())
	assert.Equal(t, testUid, op.Entry.Attributes.Uid)
}

func TestMkDirDuplicateReturnsEEXIST(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	mkDir(t, fs, fuseops.RootInodeID, "a")
	delete(remote.dirs, "/a") // let the remote accept the mkdir again

	err := fs.MkDir(context.Background(), &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "a"})
	assert.Equal(t, fuse.EEXIST, err)
}

func TestMkDirRemoteFailureReturnsEIO(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	remote.err = errors.New("boom")

	err := fs.MkDir(context.Background(), &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "a"})
	assert.Equal(t, fuse.EIO, err)
}

func TestMkNodeCreatesEmptyRemoteFile(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	op := &fuseops.MkNodeOp{Parent: fuseops.RootInodeID, Name: "f"}
	require.NoError(t, fs.MkNode(context.Background(), op))

	data, exists := remote.files["/f"]
	assert.True(t, exists)
	assert.Empty(t, data)
	assert.Equal(t, fuseops.GenerationNumber(op.Entry.Child), op.Entry.Generation)
}

func TestMkNodeThenUnlinkRestoresParentChildren(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	mkNode(t, fs, fuseops.RootInodeID, "f")
	require.NoError(t, fs.Unlink(context.Background(), &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "f"}))

	_, ok := fs.table.Lookup(uint64(fuseops.RootInodeID), "f")
	assert.False(t, ok)
	assert.Equal(t, []string{"/f"}, remote.rmCalls)
}

func TestLookUpInodeReturnsTrackedChild(t *testing.T) {
	remote := newFakeRemote()
	fs, clock := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.files["/f"] = []byte("hi\n")

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f"}
	require.NoError(t, fs.LookUpInode(context.Background(), op))

	assert.Equal(t, ino, op.Entry.Child)
	assert.Equal(t, uint64(3), op.Entry.Attributes.Size)
	assert.Equal(t, uint32(1), op.Entry.Attributes.Nlink)
	assert.Equal(t, clock.Now().Add(attrTTL), op.Entry.AttributesExpiration)
}

func TestLookUpInodeUntrackedChildReturnsENOENT(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	// Present remotely, but the local table has never seen it.
	remote.files["/ghost"] = []byte("x")

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "ghost"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestLookUpInodeRejectsInvalidUTF8(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "\xff\xfe"})
	assert.Equal(t, fuse.EINVAL, err)
}

func TestLookUpInodeRemoteFailureReturnsENOENT(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.err = errors.New("node down")

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestGetInodeAttributesForDirectory(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkDir(t, fs, fuseops.RootInodeID, "d")
	remote.dirs["/d"] = []mfsclient.Entry{{Name: "x"}, {Name: "y"}}

	op := &fuseops.GetInodeAttributesOp{Inode: ino}
	require.NoError(t, fs.GetInodeAttributes(context.Background(), op))

	assert.True(t, op.Attributes.Mode.IsDir())
	assert.Equal(t, uint32(4), op.Attributes.Nlink) // 2 + blocks
	assert.Equal(t, os.FileMode(0755), op.Attributes.Mode.Perm())
}

func TestGetInodeAttributesUnknownInode(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	err := fs.GetInodeAttributes(context.Background(), &fuseops.GetInodeAttributesOp{Inode: 42})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestSetInodeAttributesFabricatesSize(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	size := uint64(4096)
	op := &fuseops.SetInodeAttributesOp{Inode: ino, Size: &size}
	require.NoError(t, fs.SetInodeAttributes(context.Background(), op))

	// The remote is never consulted; the reply is fabricated locally.
	assert.Equal(t, size, op.Attributes.Size)
	assert.Equal(t, uint32(1), op.Attributes.Nlink)
}

func TestReadFileReturnsRemoteBytes(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.files["/f"] = []byte("hello world")

	op := &fuseops.ReadFileOp{Inode: ino, Offset: 6, Dst: make([]byte, 5)}
	require.NoError(t, fs.ReadFile(context.Background(), op))

	assert.Equal(t, 5, op.BytesRead)
	assert.Equal(t, "world", string(op.Dst[:op.BytesRead]))
}

func TestReadFileRemoteFailureReturnsEIO(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.err = errors.New("boom")

	err := fs.ReadFile(context.Background(), &fuseops.ReadFileOp{Inode: ino, Dst: make([]byte, 8)})
	assert.Equal(t, fuse.EIO, err)
}

func TestWriteFileUploadsBytes(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	op := &fuseops.WriteFileOp{Inode: ino, Offset: 0, Data: []byte("hi\n")}
	require.NoError(t, fs.WriteFile(context.Background(), op))

	assert.Equal(t, "hi\n", string(remote.files["/f"]))
}

func TestWriteFileRemoteFailureReturnsEIO(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.err = errors.New("boom")

	err := fs.WriteFile(context.Background(), &fuseops.WriteFileOp{Inode: ino, Data: []byte("x")})
	assert.Equal(t, fuse.EIO, err)
}

func TestReadDirAdoptsRemoteEntries(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	// Three entries created out-of-band on the remote.
	remote.dirs["/"] = []mfsclient.Entry{
		{Name: "a", Kind: mfsclient.KindDir},
		{Name: "b", Kind: mfsclient.KindFile},
		{Name: "c", Kind: mfsclient.KindFile},
	}

	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), op))
	assert.NotZero(t, op.BytesRead)

	// All three were adopted, in ls order.
	a, ok := fs.table.Lookup(inodetable.RootInodeID, "a")
	require.True(t, ok)
	b, ok := fs.table.Lookup(inodetable.RootInodeID, "b")
	require.True(t, ok)
	c, ok := fs.table.Lookup(inodetable.RootInodeID, "c")
	require.True(t, ok)
	assert.Equal(t, []uint64{2, 3, 4}, []uint64{a, b, c})
}

func TestReadDirHonorsOffset(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	remote.dirs["/"] = []mfsclient.Entry{
		{Name: "a", Kind: mfsclient.KindFile},
		{Name: "b", Kind: mfsclient.KindFile},
		{Name: "c", Kind: mfsclient.KindFile},
	}

	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 2, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), op))

	// Only the third entry was emitted, and therefore adopted.
	_, ok := fs.table.Lookup(inodetable.RootInodeID, "a")
	assert.False(t, ok)
	_, ok = fs.table.Lookup(inodetable.RootInodeID, "b")
	assert.False(t, ok)
	_, ok = fs.table.Lookup(inodetable.RootInodeID, "c")
	assert.True(t, ok)
}

func TestReadDirReusesExistingInodes(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "f")
	remote.dirs["/"] = []mfsclient.Entry{{Name: "f", Kind: mfsclient.KindFile}}

	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), op))

	got, ok := fs.table.Lookup(uint64(fuseops.RootInodeID), "f")
	require.True(t, ok)
	assert.Equal(t, uint64(ino), got)
}

func TestReadDirRemoteFailureReturnsENOENT(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	remote.err = errors.New("boom")

	err := fs.ReadDir(context.Background(), &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: make([]byte, 64)})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestReadSymlinkExposesReconstructedPath(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	d := mkDir(t, fs, fuseops.RootInodeID, "d")
	f := mkNode(t, fs, d, "f")

	op := &fuseops.ReadSymlinkOp{Inode: f}
	require.NoError(t, fs.ReadSymlink(context.Background(), op))
	assert.Equal(t, "/d/f", op.Target)
}

func TestRenamePreservesInodeNumber(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	ino := mkNode(t, fs, fuseops.RootInodeID, "x")
	require.NoError(t, fs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "x",
		NewParent: fuseops.RootInodeID, NewName: "y",
	}))

	assert.Equal(t, [][2]string{{"/x", "/y"}}, remote.renameCalls)

	_, ok := fs.table.Lookup(uint64(fuseops.RootInodeID), "x")
	assert.False(t, ok)
	got, ok := fs.table.Lookup(uint64(fuseops.RootInodeID), "y")
	require.True(t, ok)
	assert.Equal(t, uint64(ino), got)
}

func TestRenameAcrossDirectories(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	src := mkDir(t, fs, fuseops.RootInodeID, "src")
	dst := mkDir(t, fs, fuseops.RootInodeID, "dst")
	ino := mkNode(t, fs, src, "f")

	require.NoError(t, fs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: src, OldName: "f",
		NewParent: dst, NewName: "g",
	}))

	p, err := fs.table.Path(uint64(ino))
	require.NoError(t, err)
	assert.Equal(t, "/dst/g", p)
}

func TestRenameOntoExistingNameReturnsEEXIST(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	mkNode(t, fs, fuseops.RootInodeID, "x")
	mkNode(t, fs, fuseops.RootInodeID, "y")

	err := fs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "x",
		NewParent: fuseops.RootInodeID, NewName: "y",
	})
	assert.Equal(t, fuse.EEXIST, err)
}

func TestRenameRemoteFailureReturnsENOENT(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	mkNode(t, fs, fuseops.RootInodeID, "x")
	remote.err = errors.New("boom")

	err := fs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "x",
		NewParent: fuseops.RootInodeID, NewName: "y",
	})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestRmDirOrphansDescendants(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	d := mkDir(t, fs, fuseops.RootInodeID, "d")
	f := mkNode(t, fs, d, "f")

	require.NoError(t, fs.RmDir(context.Background(), &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}))
	assert.Equal(t, []string{"/d"}, remote.rmCalls)

	// d is gone; f's record survives but is orphaned, so any path-based
	// operation on it now fails.
	_, ok := fs.table.Lookup(uint64(fuseops.RootInodeID), "d")
	assert.False(t, ok)
	err := fs.GetInodeAttributes(context.Background(), &fuseops.GetInodeAttributesOp{Inode: f})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestUnlinkUntrackedChildReturnsENOENT(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)
	remote.files["/ghost"] = []byte("x")

	err := fs.Unlink(context.Background(), &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "ghost"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestOpenHandlesAreDistinct(t *testing.T) {
	remote := newFakeRemote()
	fs, _ := newTestFS(remote)

	a := &fuseops.OpenFileOp{}
	b := &fuseops.OpenFileOp{}
	require.NoError(t, fs.OpenFile(context.Background(), a))
	require.NoError(t, fs.OpenFile(context.Background(), b))
	assert.NotEqual(t, a.Handle, b.Handle)
}

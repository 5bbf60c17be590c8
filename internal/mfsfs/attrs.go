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
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"

	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mfsclient"
)

// attrTTL is the TTL on every attribute reply: the remote is the source of
// truth, so the kernel is made to re-query on essentially every access.
const attrTTL = 50 * time.Nanosecond

// synthesizeAttrs builds a fuseops.InodeAttributes from a remote stat
// result, the configured permission bits, and the requesting credentials.
func synthesizeAttrs(st mfsclient.Stat, uid, gid uint32, filePerm, dirPerm os.FileMode, clock timeutil.Clock) fuseops.InodeAttributes {
	now := clock.Now()

	attrs := fuseops.InodeAttributes{
		Uid:    uid,
		Gid:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}

	switch st.Kind {
	case mfsclient.KindFile:
		attrs.Nlink = 1
		attrs.Mode = filePerm
		attrs.Size = st.Size
	case mfsclient.KindDir:
		attrs.Nlink = uint32(2 + st.Blocks)
		attrs.Mode = dirPerm | os.ModeDir
		attrs.Size = 0
	}

	return attrs
}

// sizeAttrs fabricates a regular-file attribute block for setattr's
// truncation reply: the remote is never consulted for setattr, per the
// filesystem's known size/truncate limitation.
func sizeAttrs(size uint64, uid, gid uint32, filePerm os.FileMode, clock timeutil.Clock) fuseops.InodeAttributes {
	now := clock.Now()
	return fuseops.InodeAttributes{
		Size:   size,
		Nlink:  1,
		Mode:   filePerm,
		Uid:    uid,
		Gid:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
}

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

// Package inodetable maintains the process-local directory tree that gives
// stable numeric inode identifiers to entries of a remote, path-addressed
// filesystem. It knows nothing about FUSE or HTTP; it is pure bookkeeping.
package inodetable

import (
	"errors"
	"strings"
	"sync"
)

// RootInodeID is the inode number of the filesystem root.
const RootInodeID uint64 = 1

var (
	// ErrNoParent is returned when an operation names a parent inode that
	// is not present in the table.
	ErrNoParent = errors.New("inodetable: parent not found")
	// ErrFileExists is returned when create-child would collide with an
	// existing basename under the same parent.
	ErrFileExists = errors.New("inodetable: child already exists")
	// ErrInodeNotFound is returned when an operation names an inode that
	// is not present in the table.
	ErrInodeNotFound = errors.New("inodetable: inode not found")
	// ErrOrphaned is returned by path reconstruction when a non-root
	// record has no parent.
	ErrOrphaned = errors.New("inodetable: inode is orphaned")
	// ErrInvalidName is returned when a basename is empty or contains a
	// path separator.
	ErrInvalidName = errors.New("inodetable: invalid basename")
)

// Record is one entry of the table: a file or directory's name, its
// parent (absent for the root or an orphan), and its known children.
type Record struct {
	Name     string
	Parent   *uint64
	Children map[string]uint64
}

// Table is the in-memory inode tree. The kernel's FUSE driver serialises
// requests to a single dispatcher goroutine, so no locking is strictly
// required (see the concurrency notes this package's callers document);
// the mutex here only guards against a future multi-threaded dispatcher
// and costs nothing under the current single-writer usage.
type Table struct {
	mu      sync.Mutex
	records map[uint64]*Record
	nextID  uint64
}

// New returns a table containing only the root inode.
func New() *Table {
	t := &Table{
		records: map[uint64]*Record{
			RootInodeID: {Name: "", Parent: nil, Children: map[string]uint64{}},
		},
		nextID: RootInodeID + 1,
	}
	return t
}

// Path reconstructs the absolute MFS path for ino by walking parent links
// to the root and joining basenames with "/".
func (t *Table) Path(ino uint64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pathLocked(ino)
}

func (t *Table) pathLocked(ino uint64) (string, error) {
	rec, ok := t.records[ino]
	if !ok {
		return "", ErrInodeNotFound
	}
	if ino == RootInodeID {
		return "/", nil
	}
	if rec.Parent == nil {
		return "", ErrOrphaned
	}
	parentPath, err := t.pathLocked(*rec.Parent)
	if err != nil {
		return "", err
	}
	if parentPath == "/" {
		return "/" + rec.Name, nil
	}
	return parentPath + "/" + rec.Name, nil
}

// Lookup returns the inode of basename under parent, if the table already
// knows about it.
func (t *Table) Lookup(parent uint64, name string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[parent]
	if !ok {
		return 0, false
	}
	ino, ok := rec.Children[name]
	return ino, ok
}

// CreateChild allocates a new inode under parent with the given basename
// and an empty child mapping, returning its number.
func (t *Table) CreateChild(parent uint64, name string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !Valid(name) {
		return 0, ErrInvalidName
	}
	parentRec, ok := t.records[parent]
	if !ok {
		return 0, ErrNoParent
	}
	if _, exists := parentRec.Children[name]; exists {
		return 0, ErrFileExists
	}

	ino := t.nextID
	t.nextID++

	p := parent
	t.records[ino] = &Record{Name: name, Parent: &p, Children: map[string]uint64{}}
	parentRec.Children[name] = ino
	return ino, nil
}

// Remove erases ino's record and its entry in its parent's child mapping.
// Any children of ino are orphaned (their Parent field is cleared) rather
// than being recursively removed.
func (t *Table) Remove(ino uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ino]
	if !ok {
		return ErrInodeNotFound
	}
	if rec.Parent != nil {
		parentRec, ok := t.records[*rec.Parent]
		if !ok {
			return ErrNoParent
		}
		delete(parentRec.Children, rec.Name)
	}
	for _, childIno := range rec.Children {
		if childRec, ok := t.records[childIno]; ok {
			childRec.Parent = nil
		}
	}
	delete(t.records, ino)
	return nil
}

// Rename moves the inode currently known as oldName under oldParent to
// newName under newParent, updating the record and both parents' child
// mappings. It returns ErrFileExists if newName is already occupied and
// ErrInodeNotFound if oldName is not a known child of oldParent. Renaming
// an entry onto its own parent and name leaves the table unchanged.
func (t *Table) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldParentRec, ok := t.records[oldParent]
	if !ok {
		return ErrNoParent
	}
	newParentRec, ok := t.records[newParent]
	if !ok {
		return ErrNoParent
	}
	ino, ok := oldParentRec.Children[oldName]
	if !ok {
		return ErrInodeNotFound
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}
	if _, exists := newParentRec.Children[newName]; exists {
		return ErrFileExists
	}

	rec, ok := t.records[ino]
	if !ok {
		return ErrInodeNotFound
	}

	delete(oldParentRec.Children, oldName)
	newParentRec.Children[newName] = ino
	rec.Name = newName
	p := newParent
	rec.Parent = &p
	return nil
}

// AdoptOrLookup records a remotely-discovered entry under parent, the way
// readdir adopts entries it has not seen before. If name is already a
// known child of parent, its existing inode number is returned unchanged
// instead of allocating a duplicate.
func (t *Table) AdoptOrLookup(parent uint64, name string) (uint64, error) {
	t.mu.Lock()
	if parentRec, ok := t.records[parent]; ok {
		if ino, exists := parentRec.Children[name]; exists {
			t.mu.Unlock()
			return ino, nil
		}
	}
	t.mu.Unlock()
	return t.CreateChild(parent, name)
}

// Valid reports whether name is an acceptable UTF-8 basename: non-empty
// and free of "/".
func Valid(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}

// Copyright © 2023 Alibaba Group Holding Ltd.
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

// Package memfs is the in-memory filesystem every decoder fills and every
// encoder drains. It models UNIX semantics (modes, ownership, symlinks,
// hardlinks, devices, xattrs, mtimes) over a rooted tree of typed nodes,
// with file content staged behind blob handles.
package memfs

import (
	"io"
	"io/fs"
	gopath "path"
	"strings"

	"github.com/pkg/errors"

	"github.com/queer/peckish/common"
)

var (
	ErrNotFound = errors.New("path not found")
	ErrExist    = errors.New("path already exists")
	ErrNotEmpty = errors.New("directory not empty")
	ErrNotDir   = errors.New("not a directory")
)

// FS is one filesystem tree. A nil store keeps staged content in memory,
// which is fine for tests and small trees; pipelines hand every FS a
// disk-backed store.
type FS struct {
	root  *Dir
	store *Store
}

// New returns an empty tree rooted at "/" (mode 0755, root:root).
func New(store *Store) *FS {
	return &FS{root: NewDir(common.FileMode0755), store: store}
}

// CleanPath normalizes p to the absolute, lexically clean form all FS
// operations key on. Relative input is taken as relative to "/".
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p), nil
}

func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// lookup resolves a cleaned path. No symlink following: the tree is a
// static structure, not a mounted filesystem.
func (f *FS) lookup(clean string) (Node, error) {
	var cur Node = f.root
	for _, part := range splitPath(clean) {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, errors.Wrap(ErrNotDir, clean)
		}
		next, ok := dir.child(part)
		if !ok {
			return nil, errors.Wrap(ErrNotFound, clean)
		}
		cur = next
	}
	return cur, nil
}

// Lookup returns the node at path.
func (f *FS) Lookup(path string) (Node, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	return f.lookup(clean)
}

// Exists reports whether path resolves.
func (f *FS) Exists(path string) bool {
	_, err := f.Lookup(path)
	return err == nil
}

// parentFor walks to the directory that should hold the final component of
// clean, creating missing intermediates (0755, root:root) when create is
// set. It never mutates the tree on the error path: existence of every
// intermediate is verified before anything is attached.
func (f *FS) parentFor(clean string, create bool) (*Dir, string, error) {
	parts := splitPath(clean)
	if len(parts) == 0 {
		return nil, "", errors.New("operation on root is not allowed")
	}

	cur := f.root
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur.child(part)
		if !ok {
			if !create {
				return nil, "", errors.Wrap(ErrNotFound, "/"+strings.Join(parts[:i+1], "/"))
			}
			nd := NewDir(common.FileMode0755)
			cur.attach(part, nd)
			cur = nd
			continue
		}
		dir, ok := next.(*Dir)
		if !ok {
			return nil, "", errors.Wrap(ErrNotDir, "/"+strings.Join(parts[:i+1], "/"))
		}
		cur = dir
	}
	return cur, parts[len(parts)-1], nil
}

// Insert places node at path, creating intermediate directories. It fails
// with ErrExist if anything is already there.
func (f *FS) Insert(path string, node Node) error {
	return f.insert(path, node, false)
}

// Replace is Insert with overwrite-allowed semantics.
func (f *FS) Replace(path string, node Node) error {
	return f.insert(path, node, true)
}

func (f *FS) insert(path string, node Node, overwrite bool) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	if clean == "/" {
		dir, ok := node.(*Dir)
		if !ok {
			return errors.New("root must be a directory")
		}
		if !overwrite && f.root.Len() > 0 {
			return errors.Wrap(ErrExist, "/")
		}
		f.root = dir
		return nil
	}

	// Validate before creating parents so a failed insert leaves the tree
	// untouched.
	if _, err := f.lookup(clean); err == nil && !overwrite {
		return errors.Wrap(ErrExist, clean)
	}

	parent, base, err := f.parentFor(clean, true)
	if err != nil {
		return err
	}
	if _, ok := parent.child(base); ok {
		if !overwrite {
			return errors.Wrap(ErrExist, clean)
		}
		// Replace swaps the whole subtree; merging is the caller's job.
		parent.detach(base)
	}
	parent.attach(base, node)
	return nil
}

// MkdirAll ensures path exists as a directory, creating missing components
// with mode.
func (f *FS) MkdirAll(path string, mode fs.FileMode) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	if clean == "/" {
		return nil
	}

	cur := f.root
	for i, part := range splitPath(clean) {
		next, ok := cur.child(part)
		if !ok {
			nd := NewDir(mode)
			cur.attach(part, nd)
			cur = nd
			continue
		}
		dir, ok := next.(*Dir)
		if !ok {
			return errors.Wrap(ErrNotDir, "/"+strings.Join(splitPath(clean)[:i+1], "/"))
		}
		cur = dir
	}
	return nil
}

// Remove deletes the node at path. Non-empty directories require recursive.
func (f *FS) Remove(path string, recursive bool) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	parent, base, err := f.parentFor(clean, false)
	if err != nil {
		return err
	}
	node, ok := parent.child(base)
	if !ok {
		return errors.Wrap(ErrNotFound, clean)
	}
	if dir, ok := node.(*Dir); ok && dir.Len() > 0 && !recursive {
		return errors.Wrap(ErrNotEmpty, clean)
	}
	parent.detach(base)
	return nil
}

// Rename moves the subtree at src to dest. It fails if dest exists or if
// src contains dest; parents of dest are created as needed.
func (f *FS) Rename(src, dest string) error {
	csrc, err := CleanPath(src)
	if err != nil {
		return err
	}
	cdest, err := CleanPath(dest)
	if err != nil {
		return err
	}
	if cdest == csrc || strings.HasPrefix(cdest, csrc+"/") {
		return errors.Errorf("cannot rename %s into itself (%s)", csrc, cdest)
	}

	node, err := f.lookup(csrc)
	if err != nil {
		return err
	}
	if f.Exists(cdest) {
		return errors.Wrap(ErrExist, cdest)
	}

	srcParent, srcBase, err := f.parentFor(csrc, false)
	if err != nil {
		return err
	}
	destParent, destBase, err := f.parentFor(cdest, true)
	if err != nil {
		return err
	}

	srcParent.detach(srcBase)
	destParent.attach(destBase, node)
	return nil
}

// Copy deep-copies the subtree at src to dest. Blob handles are shared;
// staged content is immutable so sharing is safe.
func (f *FS) Copy(src, dest string) error {
	csrc, err := CleanPath(src)
	if err != nil {
		return err
	}
	node, err := f.lookup(csrc)
	if err != nil {
		return err
	}
	return f.Insert(dest, node.clone())
}

// WalkFunc visits one node. Returning an error stops the walk.
type WalkFunc func(path string, node Node) error

// Walk visits the subtree under root in depth-first pre-order with
// siblings sorted by basename. Encoders rely on this order being identical
// run to run; never iterate the child map directly.
func (f *FS) Walk(root string, fn WalkFunc) error {
	clean, err := CleanPath(root)
	if err != nil {
		return err
	}
	node, err := f.lookup(clean)
	if err != nil {
		return err
	}
	return walk(clean, node, fn)
}

func walk(path string, node Node, fn WalkFunc) error {
	if err := fn(path, node); err != nil {
		return err
	}
	dir, ok := node.(*Dir)
	if !ok {
		return nil
	}
	for _, name := range dir.sortedNames() {
		child, _ := dir.child(name)
		childPath := gopath.Join(path, name)
		if err := walk(childPath, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Chroot returns a view of the subtree at path with a rebased root. The
// view shares nodes with the parent FS, so writes propagate both ways.
func (f *FS) Chroot(path string) (*FS, error) {
	node, err := f.Lookup(path)
	if err != nil {
		return nil, err
	}
	dir, ok := node.(*Dir)
	if !ok {
		return nil, errors.Wrap(ErrNotDir, path)
	}
	return &FS{root: dir, store: f.store}, nil
}

// Clone deep-copies the whole tree. Used by fan-out pipelines so each
// producer mutates its own copy.
func (f *FS) Clone() *FS {
	return &FS{root: f.root.clone().(*Dir), store: f.store}
}

// Size sums the byte sizes of all regular files. Hardlinks are not counted
// twice.
func (f *FS) Size() int64 {
	var total int64
	_ = f.Walk("/", func(_ string, node Node) error {
		if file, ok := node.(*File); ok && file.Blob != nil {
			total += file.Blob.Size()
		}
		return nil
	})
	return total
}

// ResolveHardlink returns the File a hardlink points at.
func (f *FS) ResolveHardlink(h *Hardlink) (*File, error) {
	node, err := f.Lookup(h.Target)
	if err != nil {
		return nil, errors.Wrapf(err, "dangling hardlink to %s", h.Target)
	}
	file, ok := node.(*File)
	if !ok {
		return nil, errors.Errorf("hardlink target %s is not a regular file", h.Target)
	}
	return file, nil
}

// Stage buffers content for a File node, through the staging store when one
// is attached and in memory otherwise.
func (f *FS) Stage(r io.Reader) (Blob, error) {
	if f.store != nil {
		return f.store.Put(r)
	}
	return memoryBlobFrom(r)
}

// Store exposes the staging store, which may be nil.
func (f *FS) Store() *Store { return f.store }

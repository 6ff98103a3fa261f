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

package memfs

import (
	"io/fs"
	"sort"
	"time"
)

// Metadata is the POSIX attribute block every node carries. Mode holds
// permission and setuid/setgid/sticky bits only; the node type is the Go
// type of the node itself.
type Metadata struct {
	Mode   fs.FileMode
	UID    uint32
	GID    uint32
	Mtime  time.Time
	Xattrs map[string]string
}

func (m *Metadata) Meta() *Metadata { return m }

func (m *Metadata) cloneMeta() Metadata {
	out := *m
	if m.Xattrs != nil {
		out.Xattrs = make(map[string]string, len(m.Xattrs))
		for k, v := range m.Xattrs {
			out.Xattrs[k] = v
		}
	}
	return out
}

// Node is one entry in a MemFS tree. The set of implementations is closed:
// File, Dir, Symlink, Hardlink and Device.
type Node interface {
	Meta() *Metadata
	clone() Node
}

// File is a regular file. Content lives behind a Blob handle, never inline,
// so multi-gigabyte trees do not balloon resident memory.
type File struct {
	Metadata
	Blob Blob
}

func (f *File) clone() Node {
	return &File{Metadata: f.cloneMeta(), Blob: f.Blob}
}

// Dir is a directory. Children are indexed by basename.
type Dir struct {
	Metadata
	children map[string]Node
}

func (d *Dir) clone() Node {
	out := &Dir{Metadata: d.cloneMeta()}
	for name, child := range d.children {
		out.attach(name, child.clone())
	}
	return out
}

func (d *Dir) attach(name string, n Node) {
	if d.children == nil {
		d.children = make(map[string]Node)
	}
	d.children[name] = n
}

func (d *Dir) child(name string) (Node, bool) {
	n, ok := d.children[name]
	return n, ok
}

func (d *Dir) detach(name string) {
	delete(d.children, name)
}

// Len reports the number of direct children.
func (d *Dir) Len() int { return len(d.children) }

// sortedNames returns child basenames in lexical order. Walk determinism
// hangs off this.
func (d *Dir) sortedNames() []string {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Symlink points at an arbitrary target string; the target is not required
// to resolve inside the tree.
type Symlink struct {
	Metadata
	Target string
}

func (s *Symlink) clone() Node {
	return &Symlink{Metadata: s.cloneMeta(), Target: s.Target}
}

// Hardlink is a named reference to a File elsewhere in the same tree.
// Encoders resolve it at serialization time; a dangling target is an
// encode-time error.
type Hardlink struct {
	Metadata
	Target string
}

func (h *Hardlink) clone() Node {
	return &Hardlink{Metadata: h.cloneMeta(), Target: h.Target}
}

type DeviceType int

const (
	CharDevice DeviceType = iota
	BlockDevice
)

// Device is a character or block device node.
type Device struct {
	Metadata
	Type  DeviceType
	Major uint32
	Minor uint32
}

func (d *Device) clone() Node {
	return &Device{Metadata: d.cloneMeta(), Type: d.Type, Major: d.Major, Minor: d.Minor}
}

// NewFile builds a regular file node.
func NewFile(blob Blob, mode fs.FileMode, mtime time.Time) *File {
	return &File{Metadata: Metadata{Mode: mode, Mtime: mtime}, Blob: blob}
}

// NewDir builds an empty directory node.
func NewDir(mode fs.FileMode) *Dir {
	return &Dir{Metadata: Metadata{Mode: mode}}
}

// NewSymlink builds a symlink node pointing at target.
func NewSymlink(target string) *Symlink {
	return &Symlink{Metadata: Metadata{Mode: 0o777}, Target: target}
}

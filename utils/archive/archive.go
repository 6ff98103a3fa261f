// Copyright © 2021 Alibaba Group Holding Ltd.
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

// Package archive streams between a MemFS tree and tar. It is the shared
// core of the tarball, deb, arch and docker codecs: one deterministic
// writer, one permissive reader.
package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	gopath "path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/epoch"
)

const xattrPaxPrefix = "SCHILY.xattr."

// TarOptions tweaks emission for format-specific tars.
type TarOptions struct {
	// Prefix is prepended to every entry name; dpkg wants "./" on data tar
	// members.
	Prefix string
}

// TarFS writes the whole tree as a tar stream in walk order. The stdlib
// picks ustar when names fit and upgrades single entries to pax when they
// do not. The caller owns w; TarFS closes only the tar framing.
func TarFS(f *memfs.FS, w io.Writer, opts TarOptions) error {
	tw := tar.NewWriter(w)

	err := f.Walk("/", func(path string, node memfs.Node) error {
		if path == "/" {
			return nil
		}
		hdr, file, err := headerFor(f, path, node, opts)
		if err != nil {
			return err
		}
		if hdr == nil {
			return nil
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "write tar header for %s", path)
		}
		if file == nil {
			return nil
		}
		src, err := file.Blob.Open()
		if err != nil {
			return errors.Wrapf(err, "open content of %s", path)
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return errors.Wrapf(err, "write content of %s", path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// headerFor builds the tar header for one node. The returned *File is
// non-nil when content must follow the header.
func headerFor(f *memfs.FS, path string, node memfs.Node, opts TarOptions) (*tar.Header, *memfs.File, error) {
	meta := node.Meta()
	hdr := &tar.Header{
		Name:    opts.Prefix + strings.TrimPrefix(path, "/"),
		Mode:    modeBits(meta.Mode),
		Uid:     int(meta.UID),
		Gid:     int(meta.GID),
		ModTime: epoch.Clamp(meta.Mtime),
	}
	for k, v := range meta.Xattrs {
		if hdr.PAXRecords == nil {
			hdr.PAXRecords = map[string]string{}
		}
		hdr.PAXRecords[xattrPaxPrefix+k] = v
	}

	switch n := node.(type) {
	case *memfs.Dir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case *memfs.File:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = n.Blob.Size()
		return hdr, n, nil
	case *memfs.Symlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = n.Target
	case *memfs.Hardlink:
		if _, err := f.ResolveHardlink(n); err != nil {
			return nil, nil, err
		}
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = opts.Prefix + strings.TrimPrefix(n.Target, "/")
	case *memfs.Device:
		if n.Type == memfs.CharDevice {
			hdr.Typeflag = tar.TypeChar
		} else {
			hdr.Typeflag = tar.TypeBlock
		}
		hdr.Devmajor = int64(n.Major)
		hdr.Devminor = int64(n.Minor)
	default:
		return nil, nil, errors.Errorf("unsupported node type at %s", path)
	}
	return hdr, nil, nil
}

func modeBits(m fs.FileMode) int64 {
	v := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		v |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		v |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		v |= 0o1000
	}
	return v
}

func modeFromBits(bits int64) fs.FileMode {
	m := fs.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if bits&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if bits&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// UntarFS reads a tar stream into the tree. The stream must already be
// decompressed; pax and GNU longname extensions are handled by the stdlib
// reader.
func UntarFS(r io.Reader, f *memfs.FS) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar entry")
		}
		if err := ApplyEntry(f, hdr, tr); err != nil {
			return err
		}
	}
}

// ApplyEntry inserts one tar entry into the tree with replace semantics,
// so later entries (and later docker layers) win. Whiteout interpretation
// is the caller's job.
func ApplyEntry(f *memfs.FS, hdr *tar.Header, r io.Reader) error {
	name := gopath.Clean("/" + hdr.Name)
	if name == "/" || name == "/." {
		return nil
	}

	meta := memfs.Metadata{
		Mode:  modeFromBits(hdr.Mode),
		UID:   uint32(hdr.Uid),
		GID:   uint32(hdr.Gid),
		Mtime: hdr.ModTime,
	}
	for k, v := range hdr.PAXRecords {
		if strings.HasPrefix(k, xattrPaxPrefix) {
			if meta.Xattrs == nil {
				meta.Xattrs = map[string]string{}
			}
			meta.Xattrs[strings.TrimPrefix(k, xattrPaxPrefix)] = v
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		// Do not clobber an existing directory's children; layers and
		// archives restate parent dirs constantly.
		if node, err := f.Lookup(name); err == nil {
			if dir, ok := node.(*memfs.Dir); ok {
				*dir.Meta() = meta
				return nil
			}
		}
		return f.Replace(name, &memfs.Dir{Metadata: meta})

	case tar.TypeReg:
		blob, err := f.Stage(r)
		if err != nil {
			return errors.Wrapf(err, "stage %s", name)
		}
		return f.Replace(name, &memfs.File{Metadata: meta, Blob: blob})

	case tar.TypeSymlink:
		return f.Replace(name, &memfs.Symlink{Metadata: meta, Target: hdr.Linkname})

	case tar.TypeLink:
		return f.Replace(name, &memfs.Hardlink{Metadata: meta, Target: gopath.Clean("/" + hdr.Linkname)})

	case tar.TypeChar, tar.TypeBlock:
		kind := memfs.CharDevice
		if hdr.Typeflag == tar.TypeBlock {
			kind = memfs.BlockDevice
		}
		return f.Replace(name, &memfs.Device{
			Metadata: meta,
			Type:     kind,
			Major:    uint32(hdr.Devmajor),
			Minor:    uint32(hdr.Devminor),
		})

	case tar.TypeXGlobalHeader:
		return nil

	default:
		logrus.Debugf("skipping unsupported tar entry %s (type %c)", hdr.Name, hdr.Typeflag)
		return nil
	}
}

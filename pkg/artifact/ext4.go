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

package artifact

import (
	"context"
	"io"
	"os"
	gopath "path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
)

// ext4SizeSlack is headroom added over the tree size when the config does
// not pin an image size: filesystem metadata, journal, inode tables.
const ext4SizeSlack = 8 * 1024 * 1024

// Ext4Artifact is a raw ext4 filesystem image.
//
// Chain-mode note: this codec round-trips regular files and directories.
// go-diskfs exposes no inode-level API for symlinks, device nodes,
// ownership or xattrs, so those are dropped on encode (symlinks and device
// nodes with a warning, ownership and xattrs silently) and invisible on
// decode; chaining through ext4 is lossy for them.
type Ext4Artifact struct {
	named
	Path string
}

func NewExt4Artifact(name, path string) *Ext4Artifact {
	return &Ext4Artifact{named: named{name}, Path: path}
}

func (a *Ext4Artifact) Paths() []string { return []string{a.Path} }

func (a *Ext4Artifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := diskfs.Open(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open ext4 image %s", a.Path)
	}
	img, err := d.GetFilesystem(0)
	if err != nil {
		return nil, errors.Wrapf(err, "read filesystem of %s", a.Path)
	}

	fs := memfs.New(store)
	if err := readExt4Dir(img, fs, "/"); err != nil {
		return nil, errors.Wrapf(err, "walk %s", a.Path)
	}
	return fs, nil
}

func readExt4Dir(img filesystem.FileSystem, fs *memfs.FS, dir string) error {
	entries, err := img.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read dir %s", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." || name == "lost+found" {
			continue
		}
		full := gopath.Join(dir, name)

		if entry.IsDir() {
			d := memfs.NewDir(entry.Mode().Perm())
			d.Mtime = entry.ModTime()
			if err := fs.Replace(full, d); err != nil {
				return err
			}
			if err := readExt4Dir(img, fs, full); err != nil {
				return err
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			logrus.Warnf("skipping non-regular ext4 entry %s (%s)", full, entry.Mode())
			continue
		}

		src, err := img.OpenFile(full, os.O_RDONLY)
		if err != nil {
			return errors.Wrapf(err, "open %s", full)
		}
		blob, err := fs.Stage(src)
		closeIfCloser(src)
		if err != nil {
			return errors.Wrapf(err, "stage %s", full)
		}
		file := memfs.NewFile(blob, entry.Mode().Perm(), entry.ModTime())
		if err := fs.Replace(full, file); err != nil {
			return err
		}
	}
	return nil
}

// Ext4Producer formats a raw image file and fills it from the tree.
type Ext4Producer struct {
	producerBase
	Path string
	// Size is the image size in bytes; 0 sizes to the tree plus slack.
	Size int64
}

func NewExt4Producer(name, path string, size int64, injections []injection.Injection) *Ext4Producer {
	return &Ext4Producer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
		Size:         size,
	}
}

func (p *Ext4Producer) Validate() error {
	if p.Path == "" {
		return errors.New("ext4 producer requires a destination path")
	}
	if p.Size < 0 {
		return errors.New("ext4 image size must not be negative")
	}
	return nil
}

func (p *Ext4Producer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	size := p.Size
	if minimum := fs.Size() + ext4SizeSlack; size < minimum {
		if size > 0 {
			return nil, errors.Errorf("ext4 image size %d is smaller than the tree (%d bytes plus metadata)", size, fs.Size())
		}
		size = minimum
	}

	if err := ensureParentDir(p.Path); err != nil {
		return nil, err
	}
	_ = os.Remove(p.Path)
	d, err := diskfs.Create(p.Path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, errors.Wrapf(err, "create image %s", p.Path)
	}
	img, err := d.CreateFilesystem(disk.FilesystemSpec{Partition: 0, FSType: filesystem.TypeExt4})
	if err != nil {
		return nil, errors.Wrapf(err, "format %s as ext4", p.Path)
	}

	err = fs.Walk("/", func(path string, node memfs.Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "/" {
			return nil
		}
		switch n := node.(type) {
		case *memfs.Dir:
			if err := img.Mkdir(path); err != nil {
				return errors.Wrapf(err, "mkdir %s", path)
			}
		case *memfs.File:
			return writeExt4File(img, path, n.Blob)
		case *memfs.Hardlink:
			// Lowered to an independent copy of the target content.
			target, err := fs.ResolveHardlink(n)
			if err != nil {
				return err
			}
			return writeExt4File(img, path, target.Blob)
		case *memfs.Symlink:
			logrus.Warnf("ext4: dropping symlink %s -> %s (unsupported by the ext4 backend)", path, n.Target)
		case *memfs.Device:
			logrus.Warnf("ext4: dropping device node %s (unsupported by the ext4 backend)", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.Debugf("wrote ext4 image %s (%d bytes)", p.Path, size)
	return NewExt4Artifact(p.name, p.Path), nil
}

func writeExt4File(img filesystem.FileSystem, path string, blob memfs.Blob) error {
	dst, err := img.OpenFile(path, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer closeIfCloser(dst)

	src, err := blob.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// closeIfCloser closes backend file handles; the filesystem.File contract
// does not promise a Close.
func closeIfCloser(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

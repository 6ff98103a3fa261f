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
	"io"
	"io/fs"
	"os"
	gopath "path"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CopyFromHost imports the host path at fsPath, preserving mode, ownership
// and mtime. Symlinks are imported as symlinks and never followed;
// directories are recursed.
func CopyFromHost(f *FS, hostPath, fsPath string) error {
	hostPath = filepath.Clean(hostPath)
	info, err := os.Lstat(hostPath)
	if err != nil {
		return errors.Wrapf(err, "stat host path %s", hostPath)
	}
	return copyFromHost(f, hostPath, fsPath, info)
}

func copyFromHost(f *FS, hostPath, fsPath string, info os.FileInfo) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(hostPath)
		if err != nil {
			return errors.Wrapf(err, "readlink %s", hostPath)
		}
		link := NewSymlink(target)
		applyHostMeta(&link.Metadata, info)
		return f.Replace(fsPath, link)

	case info.IsDir():
		// Merge into an existing directory rather than clobbering it, so a
		// host_dir import layers over prior tree content.
		if node, err := f.Lookup(fsPath); err == nil {
			if existing, ok := node.(*Dir); ok {
				applyHostMeta(existing.Meta(), info)
			} else {
				dir := NewDir(info.Mode().Perm())
				applyHostMeta(&dir.Metadata, info)
				if err := f.Replace(fsPath, dir); err != nil {
					return err
				}
			}
		} else {
			dir := NewDir(info.Mode().Perm())
			applyHostMeta(&dir.Metadata, info)
			if err := f.Replace(fsPath, dir); err != nil {
				return err
			}
		}
		entries, err := os.ReadDir(hostPath)
		if err != nil {
			return errors.Wrapf(err, "read host dir %s", hostPath)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			childInfo, err := os.Lstat(filepath.Join(hostPath, entry.Name()))
			if err != nil {
				return err
			}
			if err := copyFromHost(f, filepath.Join(hostPath, entry.Name()), gopath.Join(fsPath, entry.Name()), childInfo); err != nil {
				return err
			}
		}
		return nil

	case info.Mode().IsRegular():
		src, err := os.Open(hostPath)
		if err != nil {
			return errors.Wrapf(err, "open host file %s", hostPath)
		}
		defer src.Close()
		blob, err := f.Stage(src)
		if err != nil {
			return errors.Wrapf(err, "stage host file %s", hostPath)
		}
		file := NewFile(blob, info.Mode().Perm(), info.ModTime())
		applyHostMeta(&file.Metadata, info)
		return f.Replace(fsPath, file)

	default:
		// Sockets, fifos and host device nodes have no place in a package
		// payload; importing them is almost always an accident.
		logrus.Warnf("skipping unsupported host file %s (%s)", hostPath, info.Mode())
		return nil
	}
}

func applyHostMeta(meta *Metadata, info os.FileInfo) {
	meta.Mode = info.Mode().Perm()
	meta.Mtime = info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		meta.UID = st.Uid
		meta.GID = st.Gid
	}
}

// ExportOptions controls WriteToHost.
type ExportOptions struct {
	// PreserveEmptyDirectories materializes directories that contain no
	// files. Off by default, matching the file producer.
	PreserveEmptyDirectories bool
}

// WriteToHost mirrors the tree under root into destDir on the host
// filesystem. Ownership restoration is best-effort: chown failures from
// running unprivileged are logged, not fatal.
func WriteToHost(f *FS, root, destDir string, opts ExportOptions) error {
	return f.Walk(root, func(path string, node Node) error {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)

		switch n := node.(type) {
		case *Dir:
			if !opts.PreserveEmptyDirectories && n.Len() == 0 && path != root {
				return nil
			}
			if err := os.MkdirAll(target, dirPerm(n.Mode)); err != nil {
				return errors.Wrapf(err, "mkdir %s", target)
			}
			restoreOwner(target, &n.Metadata)

		case *File:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeHostFile(target, n); err != nil {
				return err
			}
			restoreOwner(target, &n.Metadata)
			if !n.Mtime.IsZero() {
				if err := os.Chtimes(target, n.Mtime, n.Mtime); err != nil {
					return errors.Wrapf(err, "chtimes %s", target)
				}
			}

		case *Symlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(n.Target, target); err != nil {
				return errors.Wrapf(err, "symlink %s -> %s", target, n.Target)
			}

		case *Hardlink:
			if _, err := f.ResolveHardlink(n); err != nil {
				return err
			}
			linkRel, err := filepath.Rel(root, n.Target)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(filepath.Join(destDir, linkRel), target); err != nil {
				return errors.Wrapf(err, "hardlink %s", target)
			}

		case *Device:
			// mknod needs CAP_MKNOD; packaging runs are unprivileged.
			logrus.Warnf("skipping device node %s during host export", path)
		}
		return nil
	})
}

func writeHostFile(target string, n *File) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm(n.Mode))
	if err != nil {
		return errors.Wrapf(err, "create %s", target)
	}
	defer out.Close()

	if n.Blob == nil {
		return nil
	}
	src, err := n.Blob.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(out, src); err != nil {
		return errors.Wrapf(err, "write %s", target)
	}
	// The umask may have clipped the requested bits.
	return out.Chmod(filePerm(n.Mode))
}

func restoreOwner(target string, meta *Metadata) {
	if err := os.Lchown(target, int(meta.UID), int(meta.GID)); err != nil {
		logrus.Debugf("chown %s to %d:%d: %v", target, meta.UID, meta.GID, err)
	}
}

func dirPerm(m fs.FileMode) fs.FileMode {
	if m.Perm() == 0 {
		return 0o755
	}
	return m.Perm()
}

func filePerm(m fs.FileMode) fs.FileMode {
	if m.Perm() == 0 {
		return 0o644
	}
	return m.Perm()
}

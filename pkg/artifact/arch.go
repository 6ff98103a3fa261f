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
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/common"
	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/archive"
	"github.com/queer/peckish/utils/compression"
	"github.com/queer/peckish/utils/epoch"
	"github.com/queer/peckish/utils/hash"
)

// ArchArtifact is an Arch Linux package: a zstd tar carrying .PKGINFO,
// .MTREE and the file tree.
type ArchArtifact struct {
	named
	Path string

	// PkgInfo holds the parsed .PKGINFO fields after Extract.
	PkgInfo map[string]string
}

func NewArchArtifact(name, path string) *ArchArtifact {
	return &ArchArtifact{named: named{name}, Path: path}
}

func (a *ArchArtifact) Paths() []string { return []string{a.Path} }

func (a *ArchArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := os.Open(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open arch package %s", a.Path)
	}
	defer in.Close()

	dec, err := compression.NewReader(in)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", a.Path)
	}
	defer dec.Close()

	// Package metadata files live at the tar root as dotfiles; they are
	// package bookkeeping, not payload.
	fs := memfs.New(store)
	full := memfs.New(store)
	if err := archive.UntarFS(dec, full); err != nil {
		return nil, errors.Wrapf(err, "unpack %s", a.Path)
	}

	err = full.Walk("/", func(path string, node memfs.Node) error {
		if path == "/" {
			return nil
		}
		top := strings.Split(strings.TrimPrefix(path, "/"), "/")[0]
		if strings.HasPrefix(top, ".") {
			if path == "/.PKGINFO" {
				if file, ok := node.(*memfs.File); ok {
					data, err := readBlob(file.Blob)
					if err != nil {
						return err
					}
					a.PkgInfo = parsePkgInfo(string(data))
				}
			}
			return nil
		}
		// Reattach only the payload subtree.
		return copyEntry(fs, path, node)
	})
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func copyEntry(fs *memfs.FS, path string, node memfs.Node) error {
	if dir, ok := node.(*memfs.Dir); ok {
		d := memfs.NewDir(dir.Mode)
		*d.Meta() = *dir.Meta()
		return fs.Replace(path, d)
	}
	return fs.Replace(path, node)
}

// parsePkgInfo reads "key = value" lines, skipping comments.
func parsePkgInfo(raw string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// ArchProducer writes an Arch Linux package.
type ArchProducer struct {
	producerBase
	Path string

	PackageName        string
	PackageVersion     string
	PackageDescription string
	PackageAuthor      string
	// PackageArch is the already-translated arch name (x86_64 or any).
	PackageArch    string
	PackageLicense string
}

func NewArchProducer(name, path string, injections []injection.Injection) *ArchProducer {
	return &ArchProducer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
	}
}

func (p *ArchProducer) Validate() error {
	var result *multierror.Error
	if p.Path == "" {
		result = multierror.Append(result, errors.New("arch producer requires a destination path"))
	}
	if !packageNameRegexp.MatchString(p.PackageName) {
		result = multierror.Append(result, errors.Errorf("package name %q is invalid, must match %s", p.PackageName, packageNameRegexp))
	}
	if !packageVersionRegexp.MatchString(p.PackageVersion) {
		result = multierror.Append(result, errors.Errorf("package version %q is invalid, must match %s", p.PackageVersion, packageVersionRegexp))
	}
	if p.PackageDescription == "" {
		result = multierror.Append(result, errors.New("package description is empty"))
	}
	if p.PackageAuthor == "" {
		result = multierror.Append(result, errors.New("package author is empty"))
	}
	// https://wiki.archlinux.org/title/Arch_package_guidelines#Architectures
	if p.PackageArch != "any" && p.PackageArch != "x86_64" {
		result = multierror.Append(result, errors.Errorf("package architecture %q is invalid, must be one of: x86_64, any", p.PackageArch))
	}
	return result.ErrorOrNil()
}

func (p *ArchProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	now, err := epoch.Now()
	if err != nil {
		return nil, err
	}

	pkginfo := p.renderPkgInfo(fs.Size(), now.Unix())
	if err := fs.Replace("/.PKGINFO", memfs.NewFile(memfs.BytesBlob([]byte(pkginfo)), common.FileMode0644, now)); err != nil {
		return nil, err
	}

	mtree, err := renderMtree(fs, now)
	if err != nil {
		return nil, errors.Wrap(err, "build .MTREE")
	}
	if err := fs.Replace("/.MTREE", memfs.NewFile(memfs.BytesBlob(mtree), common.FileMode0644, now)); err != nil {
		return nil, err
	}

	if err := ensureParentDir(p.Path); err != nil {
		return nil, err
	}
	out, err := os.Create(p.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", p.Path)
	}
	defer out.Close()

	kind := compression.ForPath(p.Path)
	if kind == compression.None {
		kind = compression.Zstd
	}
	enc, err := compression.NewWriter(out, kind)
	if err != nil {
		return nil, err
	}
	if err := archive.TarFS(fs, enc, archive.TarOptions{}); err != nil {
		return nil, errors.Wrapf(err, "write %s", p.Path)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}

	logrus.Debugf("wrote arch package %s", p.Path)
	return NewArchArtifact(p.name, p.Path), nil
}

func (p *ArchProducer) renderPkgInfo(size, builddate int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# generated by peckish\n")
	fmt.Fprintf(&b, "pkgname = %s\n", p.PackageName)
	fmt.Fprintf(&b, "pkgbase = %s\n", p.PackageName)
	fmt.Fprintf(&b, "pkgver = %s\n", p.PackageVersion)
	fmt.Fprintf(&b, "pkgdesc = %s\n", p.PackageDescription)
	fmt.Fprintf(&b, "builddate = %d\n", builddate)
	fmt.Fprintf(&b, "packager = %s\n", p.PackageAuthor)
	fmt.Fprintf(&b, "size = %d\n", size)
	fmt.Fprintf(&b, "arch = %s\n", p.PackageArch)
	if p.PackageLicense != "" {
		fmt.Fprintf(&b, "license = %s\n", p.PackageLicense)
	}
	fmt.Fprintf(&b, "provides = %s\n", p.PackageName)
	return b.String()
}

// renderMtree emits the gzip'd mtree v2.0 listing pacman stores as .MTREE.
// The walk supplies ordering; digests cover regular file content.
func renderMtree(fs *memfs.FS, now time.Time) ([]byte, error) {
	var text bytes.Buffer
	text.WriteString("#mtree\n")
	text.WriteString("/set type=file uid=0 gid=0 mode=644\n")

	err := fs.Walk("/", func(path string, node memfs.Node) error {
		if path == "/" || path == "/.MTREE" {
			return nil
		}
		name := "." + path
		mtime := epoch.Clamp(node.Meta().Mtime).Unix()

		switch n := node.(type) {
		case *memfs.Dir:
			fmt.Fprintf(&text, "%s time=%d.0 mode=%o type=dir\n", name, mtime, n.Mode.Perm())
		case *memfs.Symlink:
			fmt.Fprintf(&text, "%s time=%d.0 mode=777 type=link link=%s\n", name, mtime, n.Target)
		case *memfs.File:
			r, err := n.Blob.Open()
			if err != nil {
				return err
			}
			md5sum, err := hash.MD5Reader(r)
			r.Close()
			if err != nil {
				return err
			}
			r, err = n.Blob.Open()
			if err != nil {
				return err
			}
			sha, err := hash.SHA256Reader(r)
			r.Close()
			if err != nil {
				return err
			}
			fmt.Fprintf(&text, "%s time=%d.0 mode=%o size=%d md5digest=%s sha256digest=%s\n",
				name, mtime, n.Mode.Perm(), n.Blob.Size(), md5sum, sha.Encoded())
		default:
			// Hardlinks and devices are rare in packages; pacman treats
			// them as plain entries, so list them without digests.
			fmt.Fprintf(&text, "%s time=%d.0\n", name, mtime)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var gz bytes.Buffer
	enc, err := compression.NewWriter(&gz, compression.Gzip)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(text.Bytes()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return gz.Bytes(), nil
}

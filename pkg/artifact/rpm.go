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
	"strings"

	"github.com/cavaliergopher/cpio"
	rpmdecode "github.com/cavaliergopher/rpm"
	"github.com/google/rpmpack"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/compression"
	"github.com/queer/peckish/utils/epoch"
)

// RpmArtifact is an RPM package (lead + signature header + header + cpio
// payload).
//
// Chain-mode note: the cpio payload carries no xattrs; rpm-level ghost and
// config flags are not modeled.
type RpmArtifact struct {
	named
	Path string

	// Header fields populated by Extract.
	PackageName    string
	PackageVersion string
	PackageRelease string
	PackageArch    string
}

func NewRpmArtifact(name, path string) *RpmArtifact {
	return &RpmArtifact{named: named{name}, Path: path}
}

func (a *RpmArtifact) Paths() []string { return []string{a.Path} }

func (a *RpmArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := os.Open(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open rpm %s", a.Path)
	}
	defer in.Close()

	// rpm.Read consumes lead and headers, leaving the reader at the
	// payload.
	pkg, err := rpmdecode.Read(in)
	if err != nil {
		return nil, errors.Wrapf(err, "parse rpm %s", a.Path)
	}
	a.PackageName = pkg.Name()
	a.PackageVersion = pkg.Version()
	a.PackageRelease = pkg.Release()
	a.PackageArch = pkg.Architecture()

	if format := pkg.PayloadFormat(); format != "cpio" {
		return nil, errors.Errorf("%s: unsupported rpm payload format %q", a.Path, format)
	}

	payload, err := compression.NewReader(in)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress rpm payload (%s)", pkg.PayloadCompression())
	}
	defer payload.Close()

	fs := memfs.New(store)
	cr := cpio.NewReader(payload)
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read cpio entry in %s", a.Path)
		}
		if err := applyCpioEntry(fs, hdr, cr); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func applyCpioEntry(fs *memfs.FS, hdr *cpio.Header, r io.Reader) error {
	name := gopath.Clean("/" + strings.TrimPrefix(hdr.Name, "."))
	if name == "/" {
		return nil
	}

	meta := memfs.Metadata{
		Mode:  hdr.FileInfo().Mode().Perm(),
		UID:   uint32(hdr.Uid),
		GID:   uint32(hdr.Guid),
		Mtime: hdr.ModTime,
	}

	mode := hdr.FileInfo().Mode()
	switch {
	case mode.IsDir():
		return fs.Replace(name, &memfs.Dir{Metadata: meta})
	case mode&os.ModeSymlink != 0:
		return fs.Replace(name, &memfs.Symlink{Metadata: meta, Target: hdr.Linkname})
	case mode.IsRegular():
		blob, err := fs.Stage(r)
		if err != nil {
			return errors.Wrapf(err, "stage %s", name)
		}
		return fs.Replace(name, &memfs.File{Metadata: meta, Blob: blob})
	default:
		logrus.Debugf("skipping unsupported cpio entry %s (%s)", hdr.Name, mode)
		return nil
	}
}

// RpmProducer writes an RPM package via rpmpack.
type RpmProducer struct {
	producerBase
	Path string

	PackageName        string
	PackageVersion     string
	PackageDescription string
	PackageLicense     string
	// PackageArch is the already-translated rpm arch (x86_64, noarch, ...).
	PackageArch  string
	Dependencies []string
}

func NewRpmProducer(name, path string, injections []injection.Injection) *RpmProducer {
	return &RpmProducer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
	}
}

func (p *RpmProducer) Validate() error {
	var result *multierror.Error
	if p.Path == "" {
		result = multierror.Append(result, errors.New("rpm producer requires a destination path"))
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
	return result.ErrorOrNil()
}

// splitVersionRelease pulls the rpm release off the trailing "-N" of the
// combined version string.
func splitVersionRelease(v string) (string, string) {
	idx := strings.LastIndex(v, "-")
	if idx <= 0 || idx == len(v)-1 {
		return v, "1"
	}
	return v[:idx], v[idx+1:]
}

func (p *RpmProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	now, err := epoch.Now()
	if err != nil {
		return nil, err
	}

	requires := make(rpmpack.Relations, 0, len(p.Dependencies))
	for _, dep := range p.Dependencies {
		if err := requires.Set(dep); err != nil {
			return nil, errors.Wrapf(err, "dependency %q", dep)
		}
	}

	version, release := splitVersionRelease(p.PackageVersion)
	pkg, err := rpmpack.NewRPM(rpmpack.RPMMetaData{
		Name:        p.PackageName,
		Version:     version,
		Release:     release,
		Summary:     p.PackageDescription,
		Description: p.PackageDescription,
		Licence:     p.PackageLicense,
		Arch:        p.PackageArch,
		OS:          "linux",
		BuildTime:   now,
		Compressor:  "zstd",
		Requires:    requires,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init rpm builder")
	}

	err = fs.Walk("/", func(path string, node memfs.Node) error {
		if path == "/" {
			return nil
		}
		meta := node.Meta()
		file := rpmpack.RPMFile{
			Name:  path,
			Mode:  uint(meta.Mode.Perm()),
			Owner: "root",
			Group: "root",
			MTime: uint32(epoch.Clamp(meta.Mtime).Unix()),
		}

		switch n := node.(type) {
		case *memfs.Dir:
			file.Mode |= 0o40000
		case *memfs.File:
			data, err := readBlob(n.Blob)
			if err != nil {
				return err
			}
			file.Body = data
		case *memfs.Symlink:
			file.Mode |= 0o120000
			file.Body = []byte(n.Target)
		case *memfs.Hardlink:
			// rpm has no native hardlink entry here; lower it to a copy of
			// the target's content.
			target, err := fs.ResolveHardlink(n)
			if err != nil {
				return err
			}
			data, err := readBlob(target.Blob)
			if err != nil {
				return err
			}
			file.Body = data
			file.Mode = uint(target.Mode.Perm())
		case *memfs.Device:
			return &CapabilityError{Codec: "rpm", Feature: "device nodes"}
		}

		pkg.AddFile(file)
		return nil
	})
	if err != nil {
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
	if err := pkg.Write(out); err != nil {
		return nil, errors.Wrapf(err, "write rpm %s", p.Path)
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}

	logrus.Debugf("wrote rpm %s", p.Path)
	return NewRpmArtifact(p.name, p.Path), nil
}

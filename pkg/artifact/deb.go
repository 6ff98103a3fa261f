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
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/blakesmith/ar"
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

// Maintainer script members recognized inside control.tar.
var debScriptNames = []string{"preinst", "postinst", "prerm", "postrm", "conffiles", "md5sums", "triggers"}

// DebArtifact is a Debian binary package: an ar archive holding
// debian-binary, control.tar.* and data.tar.*.
//
// Chain-mode note: deb carries mode, ownership and links but no xattrs;
// xattrs present on the tree are dropped at encode.
type DebArtifact struct {
	named
	Path string

	// Control and Scripts are populated by Extract from the control
	// archive and surfaced to callers that want to re-pack.
	Control map[string]string
	Scripts map[string][]byte
}

func NewDebArtifact(name, path string) *DebArtifact {
	return &DebArtifact{named: named{name}, Path: path}
}

func (a *DebArtifact) Paths() []string { return []string{a.Path} }

func (a *DebArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := os.Open(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open deb %s", a.Path)
	}
	defer in.Close()

	fs := memfs.New(store)
	reader := ar.NewReader(in)
	sawDebianBinary := false

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read ar member in %s", a.Path)
		}
		name := strings.TrimRight(hdr.Name, "/ ")

		switch {
		case name == "debian-binary":
			version, err := io.ReadAll(reader)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(string(version), "2.0") {
				return nil, errors.Errorf("%s: unsupported deb format version %q", a.Path, strings.TrimSpace(string(version)))
			}
			sawDebianBinary = true

		case strings.HasPrefix(name, "control.tar"):
			if err := a.readControl(reader); err != nil {
				return nil, errors.Wrapf(err, "parse control archive of %s", a.Path)
			}

		case strings.HasPrefix(name, "data.tar"):
			dec, err := compression.NewReader(reader)
			if err != nil {
				return nil, errors.Wrapf(err, "decompress data archive of %s", a.Path)
			}
			if err := archive.UntarFS(dec, fs); err != nil {
				return nil, errors.Wrapf(err, "unpack data archive of %s", a.Path)
			}
			dec.Close()

		default:
			logrus.Debugf("skipping unknown ar member %q in %s", name, a.Path)
		}
	}

	if !sawDebianBinary {
		return nil, errors.Errorf("%s is not a deb: missing debian-binary member", a.Path)
	}
	return fs, nil
}

func (a *DebArtifact) readControl(r io.Reader) error {
	dec, err := compression.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	control := memfs.New(nil)
	if err := archive.UntarFS(dec, control); err != nil {
		return err
	}

	if node, err := control.Lookup("/control"); err == nil {
		if file, ok := node.(*memfs.File); ok {
			data, err := readBlob(file.Blob)
			if err != nil {
				return err
			}
			a.Control = parseControl(string(data))
		}
	}

	a.Scripts = map[string][]byte{}
	for _, script := range debScriptNames {
		node, err := control.Lookup("/" + script)
		if err != nil {
			continue
		}
		if file, ok := node.(*memfs.File); ok {
			data, err := readBlob(file.Blob)
			if err != nil {
				return err
			}
			a.Scripts[script] = data
		}
	}
	return nil
}

// parseControl reads RFC822-style control stanzas; continuation lines are
// folded into the previous field.
func parseControl(raw string) map[string]string {
	out := map[string]string{}
	var last string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if last != "" {
				out[last] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		out[key] = strings.TrimSpace(value)
		last = key
	}
	return out
}

func readBlob(b memfs.Blob) ([]byte, error) {
	r, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// DebProducer writes a Debian binary package.
type DebProducer struct {
	producerBase
	Path string

	PackageName        string
	PackageVersion     string
	PackageDescription string
	PackageMaintainer  string
	// PackageArch is the already-translated deb arch name (amd64, all, ...).
	PackageArch    string
	PackageDepends string

	// Optional maintainer scripts, read from the host.
	PrermPath    string
	PostinstPath string
}

func NewDebProducer(name, path string, injections []injection.Injection) *DebProducer {
	return &DebProducer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
	}
}

func (p *DebProducer) Validate() error {
	var result *multierror.Error
	if p.Path == "" {
		result = multierror.Append(result, errors.New("deb producer requires a destination path"))
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
	if p.PackageMaintainer == "" {
		result = multierror.Append(result, errors.New("package maintainer is empty"))
	}
	for _, script := range []string{p.PrermPath, p.PostinstPath} {
		if script == "" {
			continue
		}
		if _, err := os.Stat(script); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "maintainer script %s", script))
		}
	}
	return result.ErrorOrNil()
}

func (p *DebProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	now, err := epoch.Now()
	if err != nil {
		return nil, err
	}

	dataTar, err := stageTar(fs, fs, archive.TarOptions{Prefix: "./"}, compression.Zstd)
	if err != nil {
		return nil, errors.Wrap(err, "build data.tar.zst")
	}

	controlTar, err := p.buildControlTar(fs, now)
	if err != nil {
		return nil, errors.Wrap(err, "build control.tar.gz")
	}

	if err := ensureParentDir(p.Path); err != nil {
		return nil, err
	}
	out, err := os.Create(p.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", p.Path)
	}
	defer out.Close()

	// Member order is mandated by the format: debian-binary first, then
	// control, then data.
	w := ar.NewWriter(out)
	if err := w.WriteGlobalHeader(); err != nil {
		return nil, err
	}
	if err := writeArMember(w, "debian-binary", memfs.BytesBlob([]byte("2.0\n")), now); err != nil {
		return nil, err
	}
	if err := writeArMember(w, "control.tar.gz", controlTar, now); err != nil {
		return nil, err
	}
	if err := writeArMember(w, "data.tar.zst", dataTar, now); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}

	logrus.Debugf("wrote deb %s", p.Path)
	return NewDebArtifact(p.name, p.Path), nil
}

func (p *DebProducer) buildControlTar(fs *memfs.FS, now time.Time) (memfs.Blob, error) {
	md5sums, err := md5sumLines(fs)
	if err != nil {
		return nil, err
	}

	// Installed-Size is KiB, rounded up.
	installedSize := (fs.Size() + 1023) / 1024

	var control bytes.Buffer
	fmt.Fprintf(&control, "Package: %s\n", p.PackageName)
	fmt.Fprintf(&control, "Version: %s\n", p.PackageVersion)
	fmt.Fprintf(&control, "Architecture: %s\n", p.PackageArch)
	fmt.Fprintf(&control, "Maintainer: %s\n", p.PackageMaintainer)
	fmt.Fprintf(&control, "Installed-Size: %d\n", installedSize)
	if p.PackageDepends != "" {
		fmt.Fprintf(&control, "Depends: %s\n", p.PackageDepends)
	}
	fmt.Fprintf(&control, "Description: %s\n", p.PackageDescription)

	controlFS := memfs.New(nil)
	if err := controlFS.Insert("/control", memfs.NewFile(memfs.BytesBlob(control.Bytes()), common.FileMode0644, now)); err != nil {
		return nil, err
	}
	if err := controlFS.Insert("/md5sums", memfs.NewFile(memfs.BytesBlob([]byte(md5sums)), common.FileMode0644, now)); err != nil {
		return nil, err
	}
	for member, hostPath := range map[string]string{"prerm": p.PrermPath, "postinst": p.PostinstPath} {
		if hostPath == "" {
			continue
		}
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read maintainer script %s", hostPath)
		}
		if err := controlFS.Insert("/"+member, memfs.NewFile(memfs.BytesBlob(data), common.FileMode0755, now)); err != nil {
			return nil, err
		}
	}

	return stageTar(fs, controlFS, archive.TarOptions{Prefix: "./"}, compression.Gzip)
}

// md5sumLines lists "digest  path" for every regular file, sorted by path
// without the leading slash, exactly how dpkg writes its md5sums member.
func md5sumLines(fs *memfs.FS) (string, error) {
	var lines []string
	err := fs.Walk("/", func(path string, node memfs.Node) error {
		file, ok := node.(*memfs.File)
		if !ok {
			return nil
		}
		r, err := file.Blob.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		sum, err := hash.MD5Reader(r)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s  %s", sum, strings.TrimPrefix(path, "/")))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i][34:] < lines[j][34:]
	})
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// stageTar streams a compressed tar of tree into staging and returns the
// blob. stagingFS supplies the staging store; tree is what gets archived.
func stageTar(stagingFS, tree *memfs.FS, opts archive.TarOptions, kind compression.Type) (memfs.Blob, error) {
	pr, pw := io.Pipe()
	go func() {
		enc, err := compression.NewWriter(pw, kind)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := archive.TarFS(tree, enc, opts); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := enc.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return stagingFS.Stage(pr)
}

func writeArMember(w *ar.Writer, name string, blob memfs.Blob, mtime time.Time) error {
	hdr := &ar.Header{
		Name:    name,
		ModTime: mtime,
		Mode:    0o644,
		Size:    blob.Size(),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write ar header %s", name)
	}
	r, err := blob.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	// blakesmith/ar's Write can report a byte count larger than the slice it
	// was given (it folds in its own alignment padding byte), which violates
	// io.Writer's contract and makes io.Copy's WriterTo/ReaderFrom fast paths
	// panic with "invalid Write count". Copy manually so that overcount is
	// tolerated instead of checked.
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			if _, werr := w.Write(buf[:nr]); werr != nil {
				return errors.Wrapf(werr, "write ar member %s", name)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrapf(rerr, "write ar member %s", name)
		}
	}
	return nil
}

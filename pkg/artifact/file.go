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
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
)

// FileArtifact is a plain tree of host files.
type FileArtifact struct {
	named
	FilePaths []string
	// StripPathPrefixes drops the longest common directory prefix so the
	// imported tree is rooted at "/". A single directory input mirrors its
	// contents at the root.
	StripPathPrefixes bool
}

func NewFileArtifact(name string, paths []string, stripPrefixes bool) *FileArtifact {
	return &FileArtifact{named: named{name}, FilePaths: paths, StripPathPrefixes: stripPrefixes}
}

func (a *FileArtifact) Paths() []string { return a.FilePaths }

func (a *FileArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	fs := memfs.New(store)
	if len(a.FilePaths) == 0 {
		return fs, nil
	}

	strip := ""
	if a.StripPathPrefixes {
		strip = commonDirPrefix(a.FilePaths)
	}

	for _, hostPath := range a.FilePaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(hostPath)
		if err != nil {
			return nil, err
		}
		dest := abs
		if strip != "" {
			dest = strings.TrimPrefix(abs, strip)
			if dest == "" {
				dest = "/"
			}
		}
		if err := memfs.CopyFromHost(fs, hostPath, filepath.ToSlash(dest)); err != nil {
			return nil, errors.Wrapf(err, "import %s", hostPath)
		}
	}
	return fs, nil
}

// commonDirPrefix finds the deepest directory containing every path. For a
// single path it is the path's parent, or the path itself when it is a
// directory being mirrored wholesale.
func commonDirPrefix(paths []string) string {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return ""
		}
		abs = append(abs, a)
	}

	if len(abs) == 1 {
		if info, err := os.Stat(abs[0]); err == nil && info.IsDir() {
			return abs[0]
		}
		return filepath.Dir(abs[0])
	}

	prefix := filepath.Dir(abs[0])
	for _, p := range abs[1:] {
		for prefix != "/" && !strings.HasPrefix(p, prefix+"/") {
			prefix = filepath.Dir(prefix)
		}
	}
	if prefix == "/" {
		return ""
	}
	return prefix
}

// FileProducer unpacks a tree under a destination directory.
type FileProducer struct {
	producerBase
	// Path is the destination directory; created if missing.
	Path string
	// PreserveEmptyDirectories materializes directories with no files.
	PreserveEmptyDirectories bool
}

func NewFileProducer(name, path string, preserveEmpty bool, injections []injection.Injection) *FileProducer {
	return &FileProducer{
		producerBase:             producerBase{name: name, injections: injections},
		Path:                     path,
		PreserveEmptyDirectories: preserveEmpty,
	}
}

func (p *FileProducer) Validate() error {
	if p.Path == "" {
		return errors.New("file producer requires a destination path")
	}
	return nil
}

func (p *FileProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.Path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output dir %s", p.Path)
	}
	logrus.Debugf("unpacking %s to %s", prev.Name(), p.Path)
	if err := memfs.WriteToHost(fs, "/", p.Path, memfs.ExportOptions{
		PreserveEmptyDirectories: p.PreserveEmptyDirectories,
	}); err != nil {
		return nil, err
	}

	// The produced artifact mirrors the destination dir rooted at "/", so
	// chained stages observe exactly what was written.
	out := NewFileArtifact(p.name, []string{p.Path}, true)
	return out, nil
}

// ensureParentDir creates the parent directory of an output file path.
func ensureParentDir(path string) error {
	parent := filepath.Dir(path)
	if parent == "." || parent == "/" {
		return nil
	}
	return os.MkdirAll(parent, 0o755)
}

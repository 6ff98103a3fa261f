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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/archive"
	"github.com/queer/peckish/utils/compression"
)

// TarballArtifact is a tar archive, possibly compressed. The compression
// is sniffed from magic bytes, never from the file name.
type TarballArtifact struct {
	named
	Path string
}

func NewTarballArtifact(name, path string) *TarballArtifact {
	return &TarballArtifact{named: named{name}, Path: path}
}

func (a *TarballArtifact) Paths() []string { return []string{a.Path} }

func (a *TarballArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := os.Open(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open tarball %s", a.Path)
	}
	defer in.Close()

	dec, err := compression.NewReader(in)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress tarball %s", a.Path)
	}
	defer dec.Close()

	fs := memfs.New(store)
	if err := archive.UntarFS(dec, fs); err != nil {
		return nil, errors.Wrapf(err, "unpack tarball %s", a.Path)
	}
	return fs, nil
}

// TarballProducer emits the tree as a tar archive in walk order.
type TarballProducer struct {
	producerBase
	Path string
	// Compression overrides the suffix-derived codec when set.
	Compression compression.Type
	compressionSet bool
}

func NewTarballProducer(name, path string, comp *compression.Type, injections []injection.Injection) *TarballProducer {
	p := &TarballProducer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
	}
	if comp != nil {
		p.Compression = *comp
		p.compressionSet = true
	}
	return p
}

func (p *TarballProducer) Validate() error {
	if p.Path == "" {
		return errors.New("tarball producer requires a destination path")
	}
	return nil
}

func (p *TarballProducer) compressionType() compression.Type {
	if p.compressionSet {
		return p.Compression
	}
	return compression.ForPath(p.Path)
}

func (p *TarballProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
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

	kind := p.compressionType()
	logrus.Debugf("writing tarball %s (%s)", p.Path, kind)
	enc, err := compression.NewWriter(out, kind)
	if err != nil {
		return nil, err
	}
	if err := archive.TarFS(fs, enc, archive.TarOptions{}); err != nil {
		return nil, errors.Wrapf(err, "write tarball %s", p.Path)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrapf(err, "flush %s", p.Path)
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}

	return NewTarballArtifact(p.name, p.Path), nil
}

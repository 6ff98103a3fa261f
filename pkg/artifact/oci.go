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

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
)

// OciArtifact is an OCI image layout directory (oci-layout, index.json,
// blobs/sha256/...).
type OciArtifact struct {
	named
	Path string
}

func NewOciArtifact(name, path string) *OciArtifact {
	return &OciArtifact{named: named{name}, Path: path}
}

func (a *OciArtifact) Paths() []string { return []string{a.Path} }

func (a *OciArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	idx, err := layout.ImageIndexFromPath(a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open OCI layout %s", a.Path)
	}
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, errors.Wrapf(err, "read index of %s", a.Path)
	}
	if len(manifest.Manifests) == 0 {
		return nil, errors.Errorf("OCI layout %s contains no manifests", a.Path)
	}

	// Multi-image layouts are unusual for transcoding input; take the
	// first manifest, like the original file-based reader did.
	img, err := idx.Image(manifest.Manifests[0].Digest)
	if err != nil {
		return nil, errors.Wrapf(err, "read image from %s", a.Path)
	}

	fs := memfs.New(store)
	if err := mergeImageLayers(ctx, fs, img); err != nil {
		return nil, errors.Wrapf(err, "merge layers of %s", a.Path)
	}
	return fs, nil
}

// OciProducer writes the image as an OCI image layout directory. It shares
// the docker producer's layer construction; only media types and the
// on-disk shape differ.
type OciProducer struct {
	producerBase
	Path string

	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
	Ports      []string
	BaseImage  string
	Arch       string
}

func NewOciProducer(name, path string, injections []injection.Injection) *OciProducer {
	return &OciProducer{
		producerBase: producerBase{name: name, injections: injections},
		Path:         path,
	}
}

func (p *OciProducer) Validate() error {
	if p.Path == "" {
		return errors.New("oci producer requires a destination path")
	}
	return nil
}

func (p *OciProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	builder := &DockerProducer{
		producerBase: producerBase{name: p.name},
		BaseImage:    p.BaseImage,
		Entrypoint:   p.Entrypoint,
		Cmd:          p.Cmd,
		Env:          p.Env,
		WorkingDir:   p.WorkingDir,
		Ports:        p.Ports,
		Arch:         p.Arch,
	}
	img, err := builder.buildImage(ctx, fs)
	if err != nil {
		return nil, err
	}

	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	lp, err := layout.FromPath(p.Path)
	if err != nil {
		lp, err = layout.Write(p.Path, empty.Index)
		if err != nil {
			return nil, errors.Wrapf(err, "create OCI layout %s", p.Path)
		}
	}
	if err := lp.AppendImage(img); err != nil {
		return nil, errors.Wrapf(err, "append image to %s", p.Path)
	}

	logrus.Debugf("wrote OCI layout %s", p.Path)
	return NewOciArtifact(p.name, p.Path), nil
}

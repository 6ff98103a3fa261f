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
	"archive/tar"
	"context"
	"fmt"
	"io"
	gopath "path"
	"strings"

	dockerclient "github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/archive"
	"github.com/queer/peckish/utils/compression"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// DockerArtifact references an image by name, in the local daemon when one
// is reachable and in a remote registry otherwise.
type DockerArtifact struct {
	named
	Image string
}

func NewDockerArtifact(name, image string) *DockerArtifact {
	return &DockerArtifact{named: named{name}, Image: image}
}

// Paths is nil: the image lives in an image store, not at a file path.
func (a *DockerArtifact) Paths() []string { return nil }

func (a *DockerArtifact) Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error) {
	img, err := resolveImage(ctx, a.Image)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve image %s", a.Image)
	}
	fs := memfs.New(store)
	if err := mergeImageLayers(ctx, fs, img); err != nil {
		return nil, errors.Wrapf(err, "merge layers of %s", a.Image)
	}
	return fs, nil
}

// resolveImage prefers the configured local daemon and falls back to
// pulling from the registry.
func resolveImage(ctx context.Context, image string) (v1.Image, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, errors.Wrapf(err, "parse image reference %q", image)
	}

	if cli, cliErr := newDockerClient(); cliErr == nil {
		img, err := daemon.Image(ref, daemon.WithContext(ctx), daemon.WithClient(cli))
		if err == nil {
			logrus.Debugf("resolved %s from local daemon", image)
			return img, nil
		}
		logrus.Debugf("daemon does not have %s (%v), pulling from registry", image, err)
	}

	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "pull %s", image)
	}
	return img, nil
}

// newDockerClient builds a daemon client from the standard DOCKER_* env.
func newDockerClient() (*dockerclient.Client, error) {
	return dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
}

// mergeImageLayers applies each layer tar in order, honoring OCI whiteout
// files.
func mergeImageLayers(ctx context.Context, fs *memfs.FS, img v1.Image) error {
	layers, err := img.Layers()
	if err != nil {
		return err
	}

	bar := progressbar.Default(int64(len(layers)), "merging layers")
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyLayer(fs, layer); err != nil {
			return errors.Wrapf(err, "apply layer %d", i)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return nil
}

func applyLayer(fs *memfs.FS, layer v1.Layer) error {
	rc, err := layer.Uncompressed()
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		clean := gopath.Clean("/" + hdr.Name)
		base := gopath.Base(clean)
		dir := gopath.Dir(clean)

		if base == opaqueWhiteout {
			// Opaque whiteout: the directory survives, its prior contents
			// do not.
			if err := clearDir(fs, dir); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := gopath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := fs.Remove(target, true); err != nil && !errors.Is(err, memfs.ErrNotFound) {
				return err
			}
			continue
		}

		if err := archive.ApplyEntry(fs, hdr, tr); err != nil {
			return err
		}
	}
}

func clearDir(fs *memfs.FS, dir string) error {
	node, err := fs.Lookup(dir)
	if err != nil {
		if errors.Is(err, memfs.ErrNotFound) {
			return nil
		}
		return err
	}
	d, ok := node.(*memfs.Dir)
	if !ok {
		return nil
	}
	fresh := memfs.NewDir(d.Mode)
	*fresh.Meta() = *d.Meta()
	return fs.Replace(dir, fresh)
}

// DockerProducer layers the tree onto an optional base image and loads the
// result into the daemon (or pushes it when no daemon is reachable).
type DockerProducer struct {
	producerBase
	Image     string
	BaseImage string

	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
	// Ports are "8080/tcp" strings for the image config's ExposedPorts.
	Ports []string
	// Arch is used only when building from scratch; base images keep
	// their own platform.
	Arch string
}

func NewDockerProducer(name, image string, injections []injection.Injection) *DockerProducer {
	return &DockerProducer{
		producerBase: producerBase{name: name, injections: injections},
		Image:        image,
	}
}

func (p *DockerProducer) Validate() error {
	if p.Image == "" {
		return errors.New("docker producer requires an image name")
	}
	if _, err := name.NewTag(p.Image, name.WithDefaultTag("latest")); err != nil {
		return errors.Wrapf(err, "image name %q is invalid", p.Image)
	}
	if p.BaseImage != "" {
		if _, err := name.ParseReference(p.BaseImage); err != nil {
			return errors.Wrapf(err, "base image %q is invalid", p.BaseImage)
		}
	}
	return nil
}

func (p *DockerProducer) Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error) {
	fs, err := extractAndInject(ctx, store, prev, p.injections)
	if err != nil {
		return nil, err
	}

	img, err := p.buildImage(ctx, fs)
	if err != nil {
		return nil, err
	}

	tag, err := name.NewTag(p.Image, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse image tag %q", p.Image)
	}

	if cli, cliErr := newDockerClient(); cliErr == nil {
		if _, err := daemon.Write(tag, img, daemon.WithContext(ctx), daemon.WithClient(cli)); err == nil {
			logrus.Infof("loaded %s into local daemon", tag.String())
			return NewDockerArtifact(p.name, tag.String()), nil
		} else {
			logrus.Debugf("daemon load of %s failed (%v), pushing to registry", tag.String(), err)
		}
	}

	if err := pushWithProgress(ctx, tag, img); err != nil {
		return nil, errors.Wrapf(err, "push %s", tag.String())
	}
	logrus.Infof("pushed %s", tag.String())
	return NewDockerArtifact(p.name, tag.String()), nil
}

// buildImage turns the tree into a single layer stacked on the base image,
// with the producer's config changes merged over the base config.
func (p *DockerProducer) buildImage(ctx context.Context, fs *memfs.FS) (v1.Image, error) {
	blob, err := stageTar(fs, fs, archive.TarOptions{}, compression.None)
	if err != nil {
		return nil, errors.Wrap(err, "build layer tar")
	}
	layer, err := tarball.LayerFromOpener(blob.Open)
	if err != nil {
		return nil, errors.Wrap(err, "build layer")
	}

	base := v1.Image(empty.Image)
	if p.BaseImage != "" {
		base, err = resolveImage(ctx, p.BaseImage)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve base image %s", p.BaseImage)
		}
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return nil, errors.Wrap(err, "append layer")
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg := *cfgFile
	if p.BaseImage == "" {
		cfg.OS = "linux"
		if p.Arch != "" {
			cfg.Architecture = p.Arch
		} else {
			cfg.Architecture = "amd64"
		}
	}
	applyConfigChanges(&cfg.Config, p)

	img, err = mutate.ConfigFile(img, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "set image config")
	}
	return img, nil
}

func applyConfigChanges(cfg *v1.Config, p *DockerProducer) {
	for key, value := range p.Env {
		cfg.Env = append(cfg.Env, fmt.Sprintf("%s=%s", key, value))
	}
	if len(p.Entrypoint) > 0 {
		cfg.Entrypoint = p.Entrypoint
	}
	if len(p.Cmd) > 0 {
		cfg.Cmd = p.Cmd
	}
	if p.WorkingDir != "" {
		cfg.WorkingDir = p.WorkingDir
	}
	for _, port := range p.Ports {
		if cfg.ExposedPorts == nil {
			cfg.ExposedPorts = map[string]struct{}{}
		}
		if !strings.Contains(port, "/") {
			port += "/tcp"
		}
		cfg.ExposedPorts[port] = struct{}{}
	}
}

func pushWithProgress(ctx context.Context, tag name.Tag, img v1.Image) error {
	updates := make(chan v1.Update, 16)
	done := make(chan error, 1)

	go func() {
		done <- remote.Write(tag, img,
			remote.WithContext(ctx),
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
			remote.WithProgress(updates),
		)
	}()

	var bar *progressbar.ProgressBar
	for update := range updates {
		if update.Error != nil {
			continue
		}
		if bar == nil && update.Total > 0 {
			bar = progressbar.DefaultBytes(update.Total, "pushing")
		}
		if bar != nil {
			_ = bar.Set64(update.Complete)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return <-done
}

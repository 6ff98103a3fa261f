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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/common"
	"github.com/queer/peckish/pkg/artifact"
)

const exampleConfig = `
chain: true
metadata:
  name: peckish
  version: 0.0.7-1
  description: repackages software artifacts
  author: amy
  arch: amd64
  license: MIT
input:
  name: binary
  type: file
  paths:
    - ./target/release/peckish
output:
  - name: debian package
    type: deb
    path: ./out/peckish.deb
    depends: libc6
    injections: [binary-to-usr-bin, cleanup]
  - name: arch package
    type: arch
    path: ./out/peckish.pkg.tar.zst
    injections: [binary-to-usr-bin]
  - name: docker image
    type: docker
    image: queer/peckish:latest
    base_image: ubuntu:jammy
    entrypoint: ["/usr/bin/peckish"]
    injections: [binary-to-usr-bin]
injections:
  binary-to-usr-bin:
    type: move
    src: /target/release/peckish
    dest: /usr/bin/peckish
  cleanup:
    type: delete
    path: /target
`

func TestParseExampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(exampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.Chain)
	assert.Equal(t, "peckish", cfg.Metadata.Name)

	input, ok := cfg.Input.(*artifact.FileArtifact)
	require.True(t, ok)
	assert.Equal(t, []string{"./target/release/peckish"}, input.FilePaths)

	require.Len(t, cfg.Output, 3)

	deb, ok := cfg.Output[0].(*artifact.DebProducer)
	require.True(t, ok)
	assert.Equal(t, "amd64", deb.PackageArch)
	assert.Equal(t, "libc6", deb.PackageDepends)
	require.Len(t, deb.Injections(), 2)
	assert.Equal(t, "move", deb.Injections()[0].Type)
	assert.Equal(t, "delete", deb.Injections()[1].Type)

	arch, ok := cfg.Output[1].(*artifact.ArchProducer)
	require.True(t, ok)
	assert.Equal(t, "x86_64", arch.PackageArch)

	docker, ok := cfg.Output[2].(*artifact.DockerProducer)
	require.True(t, ok)
	assert.Equal(t, "ubuntu:jammy", docker.BaseImage)
	assert.Equal(t, []string{"/usr/bin/peckish"}, docker.Entrypoint)
}

func TestDeprecatedPipelineAlias(t *testing.T) {
	cfg, err := Parse([]byte(`
pipeline: true
metadata: {name: x, version: 1.0-1}
input: {name: in, type: tarball, path: in.tar}
output:
  - {name: out, type: tarball, path: out.tar}
`))
	require.NoError(t, err)
	assert.True(t, cfg.Chain)
}

func TestMissingMetadataRejected(t *testing.T) {
	_, err := Parse([]byte(`
metadata: {name: x}
input: {name: in, type: tarball, path: in.tar}
output:
  - {name: out, type: tarball, path: out.tar}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata.version")
}

func TestUnknownInjectionLabelRejected(t *testing.T) {
	_, err := Parse([]byte(`
metadata: {name: x, version: 1.0-1}
input: {name: in, type: tarball, path: in.tar}
output:
  - {name: out, type: tarball, path: out.tar, injections: [ghost]}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown injection label "ghost"`)
}

func TestUnknownFormatRejected(t *testing.T) {
	_, err := Parse([]byte(`
metadata: {name: x, version: 1.0-1}
input: {name: in, type: floppy, path: in.img}
output:
  - {name: out, type: tarball, path: out.tar}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown input type "floppy"`)
}

func TestInvalidInjectionRejected(t *testing.T) {
	_, err := Parse([]byte(`
metadata: {name: x, version: 1.0-1}
input: {name: in, type: tarball, path: in.tar}
output:
  - {name: out, type: tarball, path: out.tar}
injections:
  broken:
    type: move
    src: /only-src
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires dest")
}

func TestExt4SizeParsing(t *testing.T) {
	cfg, err := Parse([]byte(`
metadata: {name: x, version: 1.0-1}
input: {name: in, type: tarball, path: in.tar}
output:
  - {name: out, type: ext4, path: out.img, size: 32 MiB}
`))
	require.NoError(t, err)
	p, ok := cfg.Output[0].(*artifact.Ext4Producer)
	require.True(t, ok)
	assert.Equal(t, int64(32*1024*1024), p.Size)
}

func TestTranslateArch(t *testing.T) {
	tests := []struct {
		format string
		in     string
		want   string
	}{
		{common.FormatArch, "amd64", "x86_64"},
		{common.FormatArch, "any", "any"},
		{common.FormatDeb, "x86_64", "amd64"},
		{common.FormatDeb, "any", "all"},
		{common.FormatDeb, "riscv64", "riscv64"},
		{common.FormatRpm, "amd64", "x86_64"},
		{common.FormatRpm, "any", "noarch"},
		{common.FormatDocker, "x86_64", "amd64"},
		{common.FormatTarball, "x86_64", "x86_64"},
	}
	for _, tt := range tests {
		got, err := TranslateArch(tt.format, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.format, tt.in)
	}

	_, err := TranslateArch(common.FormatArch, "riscv64")
	assert.Error(t, err)
}

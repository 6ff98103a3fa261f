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
	"bytes"
	"io"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/pkg/memfs"
)

type layerEntry struct {
	name    string
	content string
}

// layerFromEntries builds a layer whose tar holds entries in slice order;
// whiteout entries must precede content the way real layer tars order
// them.
func layerFromEntries(t *testing.T, entries []layerEntry) v1.Layer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     entry.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(entry.content)),
			ModTime:  time.Unix(1, 0),
		}))
		_, err := tw.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	require.NoError(t, err)
	return layer
}

func TestApplyLayerWhiteouts(t *testing.T) {
	fs := memfs.New(nil)

	// Base layer.
	require.NoError(t, applyLayer(fs, layerFromEntries(t, []layerEntry{
		{"etc/keep", "keep"},
		{"etc/gone", "gone"},
		{"opt/app/stale.1", "x"},
		{"opt/app/stale.2", "y"},
	})))

	// Upper layer whites out one file and the whole /opt/app dir.
	require.NoError(t, applyLayer(fs, layerFromEntries(t, []layerEntry{
		{"etc/.wh.gone", ""},
		{"opt/app/.wh..wh..opq", ""},
		{"opt/app/fresh", "f"},
		{"etc/keep", "updated"},
	})))

	assert.Equal(t, "updated", fsContent(t, fs, "/etc/keep"))
	assert.False(t, fs.Exists("/etc/gone"))
	assert.False(t, fs.Exists("/opt/app/stale.1"))
	assert.False(t, fs.Exists("/opt/app/stale.2"))
	assert.Equal(t, "f", fsContent(t, fs, "/opt/app/fresh"))
}

func TestApplyConfigChanges(t *testing.T) {
	cfg := &v1.Config{Env: []string{"PATH=/usr/bin"}}
	applyConfigChanges(cfg, &DockerProducer{
		Entrypoint: []string{"/usr/bin/peckish"},
		Cmd:        []string{"--help"},
		Env:        map[string]string{"MODE": "prod"},
		WorkingDir: "/srv",
		Ports:      []string{"8080", "9090/udp"},
	})

	assert.Equal(t, []string{"/usr/bin/peckish"}, cfg.Entrypoint)
	assert.Equal(t, []string{"--help"}, cfg.Cmd)
	assert.Contains(t, cfg.Env, "MODE=prod")
	assert.Contains(t, cfg.Env, "PATH=/usr/bin")
	assert.Equal(t, "/srv", cfg.WorkingDir)
	_, tcp := cfg.ExposedPorts["8080/tcp"]
	_, udp := cfg.ExposedPorts["9090/udp"]
	assert.True(t, tcp)
	assert.True(t, udp)
}

func TestDockerProducerValidate(t *testing.T) {
	p := NewDockerProducer("docker", "queer/peckish:latest", nil)
	assert.NoError(t, p.Validate())

	p = NewDockerProducer("docker", "queer/peckish", nil)
	assert.NoError(t, p.Validate(), "untagged names default to :latest")

	p = NewDockerProducer("docker", "UPPER CASE BAD", nil)
	assert.Error(t, p.Validate())

	p = NewDockerProducer("docker", "ok:latest", nil)
	p.BaseImage = ":::"
	assert.Error(t, p.Validate())
}

func TestDockerArtifactPathsIsNil(t *testing.T) {
	a := NewDockerArtifact("docker", "ubuntu:jammy")
	assert.Nil(t, a.Paths())
}

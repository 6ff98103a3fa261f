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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/pkg/artifact"
	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
)

func inputArtifact(t *testing.T, files map[string]string) artifact.Artifact {
	t.Helper()
	fs := memfs.New(nil)
	for path, content := range files {
		require.NoError(t, fs.Insert(path, memfs.NewFile(memfs.BytesBlob([]byte(content)), 0o644, time.Unix(1000, 0))))
	}
	return artifact.NewMemoryArtifact("input", fs)
}

func TestChainedPipelineMoveInjection(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "out.tar")
	treePath := filepath.Join(dir, "tree")

	input := inputArtifact(t, map[string]string{"/Cargo.toml": "[package]"})
	producers := []artifact.Producer{
		artifact.NewTarballProducer("tar step", tarPath, nil, []injection.Injection{
			{Type: injection.TypeMove, Src: "/Cargo.toml", Dest: "/Cargo-2.toml"},
		}),
		artifact.NewFileProducer("unwrapper", treePath, true, nil),
	}

	outputs, err := New(true).Run(context.Background(), input, producers)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	// The second stage decoded the first stage's tarball, so the move is
	// visible in its output.
	_, err = os.Stat(filepath.Join(treePath, "Cargo-2.toml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(treePath, "Cargo.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestFanOutProducersAreIsolated(t *testing.T) {
	dir := t.TempDir()

	input := inputArtifact(t, map[string]string{"/etc/a": "A"})
	producers := []artifact.Producer{
		// One producer deletes the file, the other still sees it.
		artifact.NewTarballProducer("deleter", filepath.Join(dir, "deleted.tar"), nil, []injection.Injection{
			{Type: injection.TypeDelete, Path: "/etc/a"},
		}),
		artifact.NewTarballProducer("keeper", filepath.Join(dir, "kept.tar"), nil, nil),
	}

	outputs, err := New(false).Run(context.Background(), input, producers)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	kept, err := artifact.NewTarballArtifact("kept", filepath.Join(dir, "kept.tar")).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, kept.Exists("/etc/a"))

	deleted, err := artifact.NewTarballArtifact("deleted", filepath.Join(dir, "deleted.tar")).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, deleted.Exists("/etc/a"))
}

func TestFanOutMatchesSerialOutputs(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1600000000")
	dir := t.TempDir()

	run := func(chain bool, suffix string) []byte {
		input := inputArtifact(t, map[string]string{"/etc/a": "A"})
		_, err := New(chain).Run(context.Background(), input, []artifact.Producer{
			artifact.NewTarballProducer("t", filepath.Join(dir, "out-"+suffix+".tar"), nil, nil),
		})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, "out-"+suffix+".tar"))
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, run(false, "fan"), run(true, "serial"))
}

func TestPipelineErrorAttribution(t *testing.T) {
	input := inputArtifact(t, map[string]string{"/a": "A"})
	producers := []artifact.Producer{
		artifact.NewTarballProducer("exploder", filepath.Join(t.TempDir(), "x.tar"), nil, []injection.Injection{
			{Type: injection.TypeMove, Src: "/missing", Dest: "/y"},
		}),
	}

	_, err := New(true).Run(context.Background(), input, producers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `producer "exploder"`)
}

func TestPipelineValidatesBeforeIO(t *testing.T) {
	input := inputArtifact(t, nil)
	producers := []artifact.Producer{
		artifact.NewTarballProducer("ok", filepath.Join(t.TempDir(), "ok.tar"), nil, nil),
		artifact.NewTarballProducer("broken", "", nil, nil),
	}

	_, err := New(false).Run(context.Background(), input, producers)
	require.Error(t, err)
	// The valid producer must not have run: validation precedes I/O.
	_, statErr := os.Stat(producers[0].(*artifact.TarballProducer).Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReportPaths(t *testing.T) {
	a := artifact.NewTarballArtifact("a", "/tmp/a.tar")
	b := artifact.NewDockerArtifact("b", "img:latest")
	paths := ReportPaths([]artifact.Artifact{a, b})
	assert.Equal(t, []string{"/tmp/a.tar"}, paths)
}

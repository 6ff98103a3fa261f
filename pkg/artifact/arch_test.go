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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/utils/compression"
)

func newArchProducerForTest(path string) *ArchProducer {
	p := NewArchProducer("arch", path, nil)
	p.PackageName = "peckish"
	p.PackageVersion = "0.0.7-1"
	p.PackageDescription = "repackages software artifacts"
	p.PackageAuthor = "amy <amy@example.com>"
	p.PackageArch = "x86_64"
	p.PackageLicense = "MIT"
	return p
}

// The literal S3 scenario: metadata arch amd64 must already have been
// translated to x86_64 before it reaches .PKGINFO.
func TestArchPkgInfo(t *testing.T) {
	fs := testFS(t, map[string]string{"/usr/bin/peckish": "elf!"})
	out := filepath.Join(t.TempDir(), "peckish-0.0.7-1.pkg.tar.zst")

	producer := newArchProducerForTest(out)
	require.NoError(t, producer.Validate())
	_, err := producer.Produce(context.Background(), nil, NewMemoryArtifact("in", fs))
	require.NoError(t, err)

	back := NewArchArtifact("arch", out)
	tree, err := back.Extract(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "x86_64", back.PkgInfo["arch"])
	assert.Equal(t, "peckish", back.PkgInfo["pkgname"])
	assert.Equal(t, "0.0.7-1", back.PkgInfo["pkgver"])
	// size is the byte total of the payload tree.
	assert.Equal(t, "4", back.PkgInfo["size"])

	// Metadata dotfiles are not payload.
	assert.False(t, tree.Exists("/.PKGINFO"))
	assert.False(t, tree.Exists("/.MTREE"))
	assert.Equal(t, "elf!", fsContent(t, tree, "/usr/bin/peckish"))
}

func TestArchPackageIsZstdTarWithMetadata(t *testing.T) {
	fs := testFS(t, map[string]string{"/usr/bin/peckish": "elf"})
	out := filepath.Join(t.TempDir(), "out.pkg.tar")

	_, err := newArchProducerForTest(out).Produce(context.Background(), nil, NewMemoryArtifact("in", fs))
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	// Suffix says nothing, so the producer defaults to zstd.
	dec, err := compression.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	tr := tar.NewReader(dec)
	var names []string
	var mtree []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Name == ".MTREE" {
			mtree, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
	}
	assert.Contains(t, names, ".PKGINFO")
	assert.Contains(t, names, ".MTREE")
	assert.Contains(t, names, "usr/bin/peckish")

	// .MTREE is a gzip'd listing with sha256 digests.
	mr, err := compression.NewReader(strings.NewReader(string(mtree)))
	require.NoError(t, err)
	listing, err := io.ReadAll(mr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(listing), "#mtree\n"))
	assert.Contains(t, string(listing), "./usr/bin/peckish")
	assert.Contains(t, string(listing), "sha256digest=")
}

func TestArchValidateArch(t *testing.T) {
	p := newArchProducerForTest(filepath.Join(t.TempDir(), "x.pkg.tar"))
	require.NoError(t, p.Validate())

	p.PackageArch = "amd64"
	assert.Error(t, p.Validate(), "untranslated arch names must be rejected")
}

func TestParsePkgInfo(t *testing.T) {
	raw := "# generated by peckish\npkgname = peckish\nsize = 123\n\nbogus line\n"
	info := parsePkgInfo(raw)
	assert.Equal(t, "peckish", info["pkgname"])
	assert.Equal(t, "123", info["size"])
	_, ok := info["bogus line"]
	assert.False(t, ok)
}

func TestArchDeterminism(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1600000000")

	build := func(path string) []byte {
		fs := testFS(t, map[string]string{"/usr/bin/peckish": "elf"})
		_, err := newArchProducerForTest(path).Produce(context.Background(), nil, NewMemoryArtifact("in", fs))
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	dir := t.TempDir()
	assert.Equal(t, build(filepath.Join(dir, "a.pkg.tar.zst")), build(filepath.Join(dir, "b.pkg.tar.zst")))
}

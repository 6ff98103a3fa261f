// Copyright © 2021 Alibaba Group Holding Ltd.
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

package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/pkg/memfs"
)

func buildFS(t *testing.T) *memfs.FS {
	t.Helper()
	f := memfs.New(nil)
	require.NoError(t, f.Insert("/etc/a", memfs.NewFile(memfs.BytesBlob([]byte("A")), 0o644, time.Unix(1000, 0))))
	require.NoError(t, f.Insert("/etc/b", memfs.NewFile(memfs.BytesBlob([]byte("B")), 0o600, time.Unix(1000, 0))))
	require.NoError(t, f.Insert("/usr/bin/app", memfs.NewFile(memfs.BytesBlob([]byte("elf")), 0o755, time.Unix(1000, 0))))
	require.NoError(t, f.Insert("/usr/bin/app2", &memfs.Hardlink{Target: "/usr/bin/app"}))
	require.NoError(t, f.Insert("/usr/bin/link", memfs.NewSymlink("app")))
	return f
}

func TestTarFSOrderAndTypes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, TarFS(buildFS(t), &buf, TarOptions{}))

	tr := tar.NewReader(&buf)
	var names []string
	var types []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		types = append(types, hdr.Typeflag)
	}

	assert.Equal(t, []string{"etc/", "etc/a", "etc/b", "usr/", "usr/bin/", "usr/bin/app", "usr/bin/app2", "usr/bin/link"}, names)
	assert.Equal(t, byte(tar.TypeLink), types[6])
	assert.Equal(t, byte(tar.TypeSymlink), types[7])
}

func TestTarFSPrefix(t *testing.T) {
	f := memfs.New(nil)
	require.NoError(t, f.Insert("/usr/bin/app", memfs.NewFile(memfs.BytesBlob([]byte("x")), 0o755, time.Unix(1, 0))))

	var buf bytes.Buffer
	require.NoError(t, TarFS(f, &buf, TarOptions{Prefix: "./"}))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "./usr/", hdr.Name)
}

func TestRoundTrip(t *testing.T) {
	src := buildFS(t)
	var buf bytes.Buffer
	require.NoError(t, TarFS(src, &buf, TarOptions{}))

	dst := memfs.New(nil)
	require.NoError(t, UntarFS(&buf, dst))

	node, err := dst.Lookup("/usr/bin/app")
	require.NoError(t, err)
	file := node.(*memfs.File)
	assert.Equal(t, fs.FileMode(0o755), file.Mode)
	r, err := file.Blob.Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, "elf", string(data))

	link, err := dst.Lookup("/usr/bin/link")
	require.NoError(t, err)
	assert.Equal(t, "app", link.(*memfs.Symlink).Target)

	hard, err := dst.Lookup("/usr/bin/app2")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/app", hard.(*memfs.Hardlink).Target)
}

func TestDanglingHardlinkIsEncodeError(t *testing.T) {
	f := memfs.New(nil)
	require.NoError(t, f.Insert("/broken", &memfs.Hardlink{Target: "/nowhere"}))
	assert.Error(t, TarFS(f, io.Discard, TarOptions{}))
}

func TestUntarLongNamesAndXattrs(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	long := "very/deep/" + string(bytes.Repeat([]byte("d"), 120)) + "/file.txt"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:       long,
		Typeflag:   tar.TypeReg,
		Mode:       0o640,
		Size:       2,
		ModTime:    time.Unix(42, 0),
		PAXRecords: map[string]string{"SCHILY.xattr.user.note": "hi"},
	}))
	_, err := tw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	f := memfs.New(nil)
	require.NoError(t, UntarFS(&buf, f))

	node, err := f.Lookup("/" + long)
	require.NoError(t, err)
	assert.Equal(t, "hi", node.Meta().Xattrs["user.note"])
}

func TestSourceDateEpochClampsModTime(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1000")

	f := memfs.New(nil)
	require.NoError(t, f.Insert("/a", memfs.NewFile(memfs.BytesBlob([]byte("x")), 0o644, time.Unix(5000, 0))))

	var buf bytes.Buffer
	require.NoError(t, TarFS(f, &buf, TarOptions{}))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), hdr.ModTime.Unix())
}

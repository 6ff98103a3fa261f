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

package injection

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/pkg/memfs"
)

func fsWith(t *testing.T, paths map[string]string) *memfs.FS {
	t.Helper()
	f := memfs.New(nil)
	for p, content := range paths {
		require.NoError(t, f.Insert(p, memfs.NewFile(memfs.BytesBlob([]byte(content)), 0o644, time.Unix(1, 0))))
	}
	return f
}

func content(t *testing.T, f *memfs.FS, path string) string {
	t.Helper()
	node, err := f.Lookup(path)
	require.NoError(t, err)
	r, err := node.(*memfs.File).Blob.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestMove(t *testing.T) {
	f := fsWith(t, map[string]string{"/target/release/peckish": "elf"})

	err := Apply(f, []Injection{{Type: TypeMove, Src: "/target/release/peckish", Dest: "/usr/bin/peckish"}})
	require.NoError(t, err)

	assert.Equal(t, "elf", content(t, f, "/usr/bin/peckish"))
	assert.False(t, f.Exists("/target/release/peckish"))
	// Emptied parents are kept, not pruned.
	assert.True(t, f.Exists("/target/release"))
}

func TestMoveMissingSourceFails(t *testing.T) {
	f := memfs.New(nil)
	err := Apply(f, []Injection{{Type: TypeMove, Src: "/nope", Dest: "/x"}})
	assert.ErrorIs(t, err, memfs.ErrNotFound)
}

func TestMoveIntoExistingDirectory(t *testing.T) {
	f := fsWith(t, map[string]string{"/a/file": "x"})
	require.NoError(t, f.MkdirAll("/dest", 0o755))

	require.NoError(t, Apply(f, []Injection{{Type: TypeMove, Src: "/a/file", Dest: "/dest"}}))
	assert.Equal(t, "x", content(t, f, "/dest/file"))
}

func TestCopyKeepsSource(t *testing.T) {
	f := fsWith(t, map[string]string{"/a": "A"})

	require.NoError(t, Apply(f, []Injection{{Type: TypeCopy, Src: "/a", Dest: "/b"}}))
	assert.Equal(t, "A", content(t, f, "/a"))
	assert.Equal(t, "A", content(t, f, "/b"))
}

func TestSymlinkDanglingAllowed(t *testing.T) {
	f := memfs.New(nil)
	require.NoError(t, Apply(f, []Injection{{Type: TypeSymlink, Src: "/does/not/exist", Dest: "/link"}}))

	node, err := f.Lookup("/link")
	require.NoError(t, err)
	assert.Equal(t, "/does/not/exist", node.(*memfs.Symlink).Target)
}

func TestTouch(t *testing.T) {
	f := fsWith(t, map[string]string{"/existing": "keep"})

	require.NoError(t, Apply(f, []Injection{
		{Type: TypeTouch, Path: "/new"},
		{Type: TypeTouch, Path: "/existing"},
	}))

	node, err := f.Lookup("/new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), node.(*memfs.File).Blob.Size())
	// Touch on an existing file is a no-op for content.
	assert.Equal(t, "keep", content(t, f, "/existing"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := fsWith(t, map[string]string{"/target/a": "A", "/target/b": "B"})

	injections := []Injection{{Type: TypeDelete, Path: "/target"}}
	require.NoError(t, Apply(f, injections))
	require.NoError(t, Apply(f, injections))
	assert.False(t, f.Exists("/target"))
}

func TestCreateOverwrites(t *testing.T) {
	f := fsWith(t, map[string]string{"/etc/conf": "old"})

	require.NoError(t, Apply(f, []Injection{{Type: TypeCreate, Path: "/etc/conf", Content: "new"}}))
	assert.Equal(t, "new", content(t, f, "/etc/conf"))
}

func TestHostFileAndDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), []byte("1"), 0o640))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "two"), []byte("2"), 0o600))

	f := memfs.New(nil)
	require.NoError(t, Apply(f, []Injection{
		{Type: TypeHostFile, Src: filepath.Join(dir, "one"), Dest: "/imported/one"},
		{Type: TypeHostDir, Src: dir, Dest: "/tree"},
	}))

	assert.Equal(t, "1", content(t, f, "/imported/one"))
	assert.Equal(t, "1", content(t, f, "/tree/one"))
	assert.Equal(t, "2", content(t, f, "/tree/sub/two"))
}

func TestOrderAndAbort(t *testing.T) {
	f := fsWith(t, map[string]string{"/a": "A"})

	err := Apply(f, []Injection{
		{Type: TypeMove, Src: "/a", Dest: "/b"},
		{Type: TypeMove, Src: "/missing", Dest: "/c"},
		{Type: TypeCreate, Path: "/never", Content: "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injection 1")

	// First injection ran, third never did.
	assert.True(t, f.Exists("/b"))
	assert.False(t, f.Exists("/never"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Injection{Type: TypeMove, Src: "/a", Dest: "/b"}.Validate())
	assert.Error(t, Injection{Type: TypeMove, Src: "/a"}.Validate())
	assert.Error(t, Injection{Type: "explode", Path: "/x"}.Validate())
	assert.NoError(t, Injection{Type: TypeDelete, Path: "/x"}.Validate())
}

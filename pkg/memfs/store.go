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

package memfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/queer/peckish/common"
)

// Blob is a handle to staged file content. Blobs are immutable once
// created, which is what makes sharing them across Clone/Copy safe.
type Blob interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

type memoryBlob struct {
	data []byte
}

func (b *memoryBlob) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *memoryBlob) Size() int64 { return int64(len(b.data)) }

// BytesBlob wraps a byte slice as a Blob. The slice must not be mutated
// afterwards.
func BytesBlob(data []byte) Blob {
	return &memoryBlob{data: data}
}

func memoryBlobFrom(r io.Reader) (Blob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &memoryBlob{data: data}, nil
}

type fileBlob struct {
	path string
	size int64
}

func (b *fileBlob) Open() (io.ReadCloser, error) {
	return os.Open(b.path)
}

func (b *fileBlob) Size() int64 { return b.size }

// Store stages file content under one temp directory per pipeline run. The
// directory is namespaced with a uuid so concurrent runs never collide,
// and removed by Close when the run finishes.
type Store struct {
	dir  string
	next atomic.Uint64
}

// NewStore creates the staging directory.
func NewStore() (*Store, error) {
	dir := filepath.Join(os.TempDir(), common.StagingDirPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, common.FileMode0755); err != nil {
		return nil, errors.Wrap(err, "create staging dir")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the staging directory path.
func (s *Store) Dir() string { return s.dir }

// Put streams r into a new staging file and returns its handle.
func (s *Store) Put(r io.Reader) (Blob, error) {
	name := filepath.Join(s.dir, strconv.FormatUint(s.next.Add(1), 10))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, common.FileMode0600)
	if err != nil {
		return nil, errors.Wrap(err, "create staging file")
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "stage content")
	}
	return &fileBlob{path: name, size: size}, nil
}

// TempFile hands out a scratch file inside the staging namespace, for
// callers that need a seekable on-disk intermediate. No codec in this
// module calls it; they stage through Put.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(s.dir, pattern)
}

// Close removes the staging directory and everything staged in it.
func (s *Store) Close() error {
	return os.RemoveAll(s.dir)
}

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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queer/peckish/pkg/memfs"
)

func TestExt4Validate(t *testing.T) {
	p := NewExt4Producer("ext4", filepath.Join(t.TempDir(), "img.ext4"), 0, nil)
	assert.NoError(t, p.Validate())

	p = NewExt4Producer("ext4", "", 0, nil)
	assert.Error(t, p.Validate())
}

func TestExt4RejectsUndersizedImage(t *testing.T) {
	fs := memfs.New(nil)
	big := make([]byte, 64*1024)
	require.NoError(t, fs.Insert("/blob", memfs.NewFile(memfs.BytesBlob(big), 0o644, time.Unix(1, 0))))

	// 4 KiB cannot hold a 64 KiB tree; this must fail before formatting.
	p := NewExt4Producer("ext4", filepath.Join(t.TempDir(), "img.ext4"), 4*1024, nil)
	_, err := p.Produce(context.Background(), nil, NewMemoryArtifact("in", fs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than the tree")
}

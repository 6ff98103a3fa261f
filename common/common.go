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

package common

import "io/fs"

const (
	// DefaultConfigFile is where the pipeline config is read from when -c
	// is not given.
	DefaultConfigFile = "./peckish.yaml"

	// StagingDirPrefix names the per-run staging directories created under
	// the system temp directory.
	StagingDirPrefix = "peckish-workdir-"

	// EnvSourceDateEpoch is the reproducible-builds timestamp override.
	EnvSourceDateEpoch = "SOURCE_DATE_EPOCH"
)

const (
	FileMode0755 fs.FileMode = 0o755
	FileMode0644 fs.FileMode = 0o644
	FileMode0600 fs.FileMode = 0o600
)

// Format tags accepted in pipeline configs.
const (
	FormatFile    = "file"
	FormatTarball = "tarball"
	FormatDeb     = "deb"
	FormatArch    = "arch"
	FormatRpm     = "rpm"
	FormatDocker  = "docker"
	FormatOci     = "oci"
	FormatExt4    = "ext4"
)

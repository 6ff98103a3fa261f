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

package hash

import (
	"crypto/md5" // #nosec G501 deb md5sums is a format requirement, not security
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/opencontainers/go-digest"
)

// MD5Reader returns the hex md5 of everything readable from r. Used for the
// deb md5sums control member, which the format still mandates.
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New() // #nosec G401
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Reader returns the sha256 of r as an OCI digest.
func SHA256Reader(r io.Reader) (digest.Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h.Sum(nil))), nil
}

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

// Package epoch centralizes the clock used for every timestamp that ends up
// inside a produced artifact. When SOURCE_DATE_EPOCH is set, all emitted
// times clamp to it so repeated runs are byte-identical.
package epoch

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/queer/peckish/common"
)

// SourceDateEpoch returns the override timestamp, if one is set. An epoch
// in the future is rejected: it almost always means a misquoted value, and
// honoring it would emit artifacts "from the future".
func SourceDateEpoch() (time.Time, bool, error) {
	raw, ok := os.LookupEnv(common.EnvSourceDateEpoch)
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "invalid %s value %q", common.EnvSourceDateEpoch, raw)
	}

	t := time.Unix(secs, 0).UTC()
	if t.After(time.Now()) {
		return time.Time{}, false, errors.Errorf("%s is set to a time in the future", common.EnvSourceDateEpoch)
	}
	return t, true, nil
}

// Now is the producer clock: the override epoch when set, wall time
// otherwise.
func Now() (time.Time, error) {
	t, ok, err := SourceDateEpoch()
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return t, nil
	}
	return time.Now().UTC(), nil
}

// Clamp bounds a node timestamp for emission. With the override set, any
// mtime newer than the epoch (or unset) becomes the epoch; without it,
// unset mtimes become the current time so encoders never write zero times.
func Clamp(t time.Time) time.Time {
	override, ok, err := SourceDateEpoch()
	if err != nil || !ok {
		if t.IsZero() {
			return time.Now().UTC()
		}
		return t
	}
	if t.IsZero() || t.After(override) {
		return override
	}
	return t
}

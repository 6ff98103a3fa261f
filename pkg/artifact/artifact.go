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

// Package artifact defines the uniform capability surface over package
// formats: an Artifact decodes itself into a MemFS, a Producer consumes a
// MemFS and writes a concrete artifact. One decoder/encoder pair per
// format lives in this package, keeping the variant set closed.
package artifact

import (
	"context"
	"fmt"
	"regexp"

	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/pkg/memfs"
)

// Artifact is a typed handle to an existing package. It owns no file
// bytes; Extract materializes a fresh MemFS on demand.
type Artifact interface {
	Name() string
	// Extract decodes the artifact into a new tree, staging large content
	// in store.
	Extract(ctx context.Context, store *memfs.Store) (*memfs.FS, error)
	// Paths lists the on-disk files backing this artifact; nil for
	// artifacts that live in an image store.
	Paths() []string
}

// Producer encodes a MemFS into a concrete artifact after applying its
// injection list.
type Producer interface {
	Name() string
	Injections() []injection.Injection
	// Validate checks producer configuration before any I/O happens.
	Validate() error
	// Produce decodes prev, applies injections, encodes, and returns a
	// handle to the written artifact.
	Produce(ctx context.Context, store *memfs.Store, prev Artifact) (Artifact, error)
}

// CapabilityError reports a tree feature the target format cannot
// represent and that the codec chose not to lower silently.
type CapabilityError struct {
	Codec   string
	Feature string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s cannot represent %s", e.Codec, e.Feature)
}

// named supplies the Name accessor for artifact types.
type named struct {
	name string
}

func (n named) Name() string { return n.name }

// producerBase carries the fields every producer shares.
type producerBase struct {
	name       string
	injections []injection.Injection
}

func (p producerBase) Name() string                      { return p.name }
func (p producerBase) Injections() []injection.Injection { return p.injections }

// extractAndInject is the common first half of every Produce: decode the
// previous artifact and run this producer's injections on the result.
func extractAndInject(ctx context.Context, store *memfs.Store, prev Artifact, injections []injection.Injection) (*memfs.FS, error) {
	fs, err := prev.Extract(ctx, store)
	if err != nil {
		return nil, err
	}
	if err := injection.Apply(fs, injections); err != nil {
		return nil, err
	}
	return fs, nil
}

// Shared validation patterns. The name rule is the distro lowest common
// denominator; the version rule requires a trailing package revision
// ("-N") the way arch and rpm releases do.
var (
	packageNameRegexp    = regexp.MustCompile(`^[a-z]([a-z0-9_-]*[a-z0-9])?$`)
	packageVersionRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9+._-]*(-\d+)$`)
)

// MemoryArtifact wraps a live tree so a MemFS can enter a pipeline stage
// directly. Fan-out hands every producer one of these over its own clone.
type MemoryArtifact struct {
	named
	fs *memfs.FS
}

func NewMemoryArtifact(name string, fs *memfs.FS) *MemoryArtifact {
	return &MemoryArtifact{named: named{name}, fs: fs}
}

func (a *MemoryArtifact) Extract(context.Context, *memfs.Store) (*memfs.FS, error) {
	return a.fs, nil
}

func (a *MemoryArtifact) Paths() []string { return nil }

// EmptyArtifact is a no-file input for pipelines built purely from
// injections.
type EmptyArtifact struct {
	named
}

func NewEmptyArtifact(name string) *EmptyArtifact {
	return &EmptyArtifact{named: named{name}}
}

func (a *EmptyArtifact) Extract(_ context.Context, store *memfs.Store) (*memfs.FS, error) {
	return memfs.New(store), nil
}

func (a *EmptyArtifact) Paths() []string { return nil }

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

// Package pipeline drives input -> (inject -> encode)* with either
// chained or fan-out semantics.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/queer/peckish/pkg/artifact"
	"github.com/queer/peckish/pkg/memfs"
)

// Pipeline runs one input through an ordered list of producers.
//
// In chain mode each producer's written artifact is re-decoded and becomes
// the next stage's input, so every stage observes the exact bits on disk —
// asymmetric codec bugs surface immediately. In fan-out mode every
// producer gets an independent deep copy of the decoded input and stages
// run concurrently.
//
// On failure the first error is returned with producer attribution;
// already-written outputs stay on disk.
type Pipeline struct {
	chain bool
}

func New(chain bool) *Pipeline {
	return &Pipeline{chain: chain}
}

// Run executes the pipeline and returns produced artifact handles in
// producer order.
func (p *Pipeline) Run(ctx context.Context, input artifact.Artifact, producers []artifact.Producer) ([]artifact.Artifact, error) {
	for _, producer := range producers {
		if err := producer.Validate(); err != nil {
			return nil, errors.Wrapf(err, "producer %q", producer.Name())
		}
	}

	store, err := memfs.NewStore()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Warnf("failed to remove staging dir: %v", err)
		}
	}()

	if p.chain {
		return p.runChained(ctx, store, input, producers)
	}
	return p.runFanOut(ctx, store, input, producers)
}

func (p *Pipeline) runChained(ctx context.Context, store *memfs.Store, input artifact.Artifact, producers []artifact.Producer) ([]artifact.Artifact, error) {
	logrus.Infof("running chained pipeline with %d steps", len(producers))

	outputs := make([]artifact.Artifact, 0, len(producers))
	current := input
	for i, producer := range producers {
		logrus.Infof("step %d: %s", i+1, producer.Name())
		out, err := producer.Produce(ctx, store, current)
		if err != nil {
			return outputs, errors.Wrapf(err, "producer %q", producer.Name())
		}
		outputs = append(outputs, out)
		// The handle re-decodes the written bytes in the next iteration.
		current = out
	}
	return outputs, nil
}

func (p *Pipeline) runFanOut(ctx context.Context, store *memfs.Store, input artifact.Artifact, producers []artifact.Producer) ([]artifact.Artifact, error) {
	logrus.Infof("running pipeline with %d outputs", len(producers))

	base, err := input.Extract(ctx, store)
	if err != nil {
		return nil, errors.Wrapf(err, "input %q", input.Name())
	}

	outputs := make([]artifact.Artifact, len(producers))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, producer := range producers {
		i, producer := i, producer
		group.Go(func() error {
			logrus.Infof("output %d: %s", i+1, producer.Name())
			// Each producer mutates a private clone; no sharing, no locks.
			clone := artifact.NewMemoryArtifact(input.Name(), base.Clone())
			out, err := producer.Produce(groupCtx, store, clone)
			if err != nil {
				return errors.Wrapf(err, "producer %q", producer.Name())
			}
			outputs[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		// Keep whatever finished; the error names the failed producer.
		done := make([]artifact.Artifact, 0, len(outputs))
		for _, out := range outputs {
			if out != nil {
				done = append(done, out)
			}
		}
		return done, err
	}
	return outputs, nil
}

// ReportPaths flattens produced artifact handles into the newline-worthy
// path list the -r flag writes for downstream tooling.
func ReportPaths(artifacts []artifact.Artifact) []string {
	var paths []string
	for _, a := range artifacts {
		paths = append(paths, a.Paths()...)
	}
	return paths
}

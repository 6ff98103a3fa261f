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

// Package tester smoke-tests produced packages by installing them with
// their native tooling inside throwaway containers.
package tester

import (
	"context"
	"io"
	"os"
	"path/filepath"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/pkg/artifact"
	"github.com/queer/peckish/pkg/config"
)

const mountDir = "/pkg"

// TestArtifacts installs each testable produced package in a container of
// the matching distribution and fails on the first non-zero exit.
func TestArtifacts(ctx context.Context, cfg *config.Config) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Wrap(err, "connect to docker daemon")
	}
	defer cli.Close()

	for _, producer := range cfg.Output {
		for _, tc := range casesFor(producer) {
			logrus.Infof("testing producer %s with %s", producer.Name(), tc.image)
			if err := runInContainer(ctx, cli, tc); err != nil {
				return errors.Wrapf(err, "producer %q failed verification in %s", producer.Name(), tc.image)
			}
		}
	}
	return nil
}

type testCase struct {
	image    string
	hostPath string
	cmd      []string
}

func casesFor(producer artifact.Producer) []testCase {
	pkgPath := func(hostPath string) string {
		return filepath.Join(mountDir, filepath.Base(hostPath))
	}

	switch p := producer.(type) {
	case *artifact.TarballProducer:
		return []testCase{{
			image:    "alpine:latest",
			hostPath: p.Path,
			cmd:      []string{"tar", "tvf", pkgPath(p.Path)},
		}}
	case *artifact.ArchProducer:
		return []testCase{{
			image:    "archlinux:latest",
			hostPath: p.Path,
			cmd:      []string{"pacman", "--noconfirm", "-U", pkgPath(p.Path)},
		}}
	case *artifact.DebProducer:
		return []testCase{
			{
				image:    "debian:latest",
				hostPath: p.Path,
				cmd:      []string{"dpkg", "-i", pkgPath(p.Path)},
			},
			{
				image:    "ubuntu:latest",
				hostPath: p.Path,
				cmd:      []string{"dpkg", "-i", pkgPath(p.Path)},
			},
		}
	case *artifact.RpmProducer:
		return []testCase{{
			image:    "fedora:latest",
			hostPath: p.Path,
			cmd:      []string{"rpm", "-i", pkgPath(p.Path)},
		}}
	default:
		// docker/oci images and raw trees have no installer to exercise.
		return nil
	}
}

func runInContainer(ctx context.Context, cli *dockerclient.Client, tc testCase) error {
	pull, err := cli.ImagePull(ctx, tc.image, dockertypes.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull %s", tc.image)
	}
	_, _ = io.Copy(io.Discard, pull)
	pull.Close()

	absPath, err := filepath.Abs(tc.hostPath)
	if err != nil {
		return err
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image: tc.image,
			Cmd:   strslice.StrSlice(tc.cmd),
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:     mount.TypeBind,
				Source:   filepath.Dir(absPath),
				Target:   mountDir,
				ReadOnly: true,
			}},
		},
		nil, nil, "")
	if err != nil {
		return errors.Wrap(err, "create container")
	}
	defer func() {
		_ = cli.ContainerRemove(context.Background(), created.ID, dockertypes.ContainerRemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, created.ID, dockertypes.ContainerStartOptions{}); err != nil {
		return errors.Wrap(err, "start container")
	}

	statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return errors.Wrap(err, "wait for container")
	case status := <-statusCh:
		dumpLogs(ctx, cli, created.ID)
		if status.StatusCode != 0 {
			return errors.Errorf("%v exited with status %d", tc.cmd, status.StatusCode)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func dumpLogs(ctx context.Context, cli *dockerclient.Client, id string) {
	logs, err := cli.ContainerLogs(ctx, id, dockertypes.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logrus.Debugf("fetch container logs: %v", err)
		return
	}
	defer logs.Close()
	_, _ = stdcopy.StdCopy(os.Stderr, os.Stderr, logs)
}

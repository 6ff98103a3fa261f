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

// Package config loads peckish.yaml and resolves it into concrete
// artifacts and producers. Every configuration error surfaces here,
// before any I/O happens.
package config

import (
	"bytes"
	"os"

	units "github.com/docker/go-units"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/queer/peckish/common"
	"github.com/queer/peckish/pkg/artifact"
	"github.com/queer/peckish/pkg/injection"
	"github.com/queer/peckish/utils/compression"
)

// Metadata is the cross-format package descriptor. Each producer
// translates it into its native fields.
type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Arch        string `yaml:"arch"`
	License     string `yaml:"license"`
}

// Config is a fully resolved pipeline configuration.
type Config struct {
	Chain    bool
	Metadata Metadata
	Input    artifact.Artifact
	Output   []artifact.Producer
}

type rawConfig struct {
	Chain *bool `yaml:"chain"`
	// Pipeline is the deprecated spelling of Chain.
	Pipeline   *bool                          `yaml:"pipeline"`
	Metadata   Metadata                       `yaml:"metadata"`
	Input      rawArtifact                    `yaml:"input"`
	Output     []rawProducer                  `yaml:"output"`
	Injections map[string]injection.Injection `yaml:"injections"`
}

type rawArtifact struct {
	Type              string   `yaml:"type"`
	Name              string   `yaml:"name"`
	Paths             []string `yaml:"paths"`
	StripPathPrefixes bool     `yaml:"strip_path_prefixes"`
	Path              string   `yaml:"path"`
	Image             string   `yaml:"image"`
}

type rawProducer struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`

	// tarball
	Compression string `yaml:"compression"`

	// file
	PreserveEmptyDirectories bool `yaml:"preserve_empty_directories"`

	// deb
	Prerm    string `yaml:"prerm"`
	Postinst string `yaml:"postinst"`
	Depends  string `yaml:"depends"`

	// docker / oci
	Image      string            `yaml:"image"`
	BaseImage  string            `yaml:"base_image"`
	Entrypoint []string          `yaml:"entrypoint"`
	Cmd        []string          `yaml:"cmd"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"working_dir"`
	Ports      []string          `yaml:"ports"`

	// ext4
	Size string `yaml:"size"`

	Injections []string `yaml:"injections"`
}

// Load reads and resolves the config at path ("" means ./peckish.yaml).
func Load(path string) (*Config, error) {
	if path == "" {
		path = common.DefaultConfigFile
	}
	logrus.Infof("loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse resolves raw YAML into a Config.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	chain := false
	switch {
	case raw.Chain != nil:
		chain = *raw.Chain
	case raw.Pipeline != nil:
		logrus.Warnf("config key `pipeline` is deprecated, use `chain`")
		chain = *raw.Pipeline
	}

	if err := validateMetadata(raw.Metadata); err != nil {
		return nil, err
	}
	for label, inj := range raw.Injections {
		if err := inj.Validate(); err != nil {
			return nil, errors.Wrapf(err, "injection %q", label)
		}
	}

	input, err := buildInput(raw.Input)
	if err != nil {
		return nil, err
	}

	outputs := make([]artifact.Producer, 0, len(raw.Output))
	for i, rawProd := range raw.Output {
		prod, err := buildProducer(rawProd, raw.Metadata, raw.Injections)
		if err != nil {
			return nil, errors.Wrapf(err, "output %d (%s)", i, rawProd.Name)
		}
		outputs = append(outputs, prod)
	}
	if len(outputs) == 0 {
		return nil, errors.New("config declares no outputs")
	}

	return &Config{
		Chain:    chain,
		Metadata: raw.Metadata,
		Input:    input,
		Output:   outputs,
	}, nil
}

func validateMetadata(m Metadata) error {
	var result *multierror.Error
	if m.Name == "" {
		result = multierror.Append(result, errors.New("metadata.name is required"))
	}
	if m.Version == "" {
		result = multierror.Append(result, errors.New("metadata.version is required"))
	}
	return result.ErrorOrNil()
}

func buildInput(raw rawArtifact) (artifact.Artifact, error) {
	needPath := func() error {
		if raw.Path == "" {
			return errors.Errorf("input type %q requires `path`", raw.Type)
		}
		return nil
	}

	switch raw.Type {
	case common.FormatFile:
		if len(raw.Paths) == 0 {
			return nil, errors.New("file input requires `paths`")
		}
		return artifact.NewFileArtifact(raw.Name, raw.Paths, raw.StripPathPrefixes), nil
	case common.FormatTarball:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewTarballArtifact(raw.Name, raw.Path), nil
	case common.FormatDeb:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewDebArtifact(raw.Name, raw.Path), nil
	case common.FormatArch:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewArchArtifact(raw.Name, raw.Path), nil
	case common.FormatRpm:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewRpmArtifact(raw.Name, raw.Path), nil
	case common.FormatDocker:
		if raw.Image == "" {
			return nil, errors.New("docker input requires `image`")
		}
		return artifact.NewDockerArtifact(raw.Name, raw.Image), nil
	case common.FormatOci:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewOciArtifact(raw.Name, raw.Path), nil
	case common.FormatExt4:
		if err := needPath(); err != nil {
			return nil, err
		}
		return artifact.NewExt4Artifact(raw.Name, raw.Path), nil
	default:
		return nil, errors.Errorf("unknown input type %q", raw.Type)
	}
}

func buildProducer(raw rawProducer, meta Metadata, registry map[string]injection.Injection) (artifact.Producer, error) {
	injections, err := resolveInjections(raw.Injections, registry)
	if err != nil {
		return nil, err
	}

	arch, err := TranslateArch(raw.Type, meta.Arch)
	if err != nil {
		return nil, err
	}

	switch raw.Type {
	case common.FormatFile:
		return artifact.NewFileProducer(raw.Name, raw.Path, raw.PreserveEmptyDirectories, injections), nil

	case common.FormatTarball:
		var comp *compression.Type
		if raw.Compression != "" {
			kind, err := compression.ParseType(raw.Compression)
			if err != nil {
				return nil, err
			}
			comp = &kind
		}
		return artifact.NewTarballProducer(raw.Name, raw.Path, comp, injections), nil

	case common.FormatDeb:
		p := artifact.NewDebProducer(raw.Name, raw.Path, injections)
		p.PackageName = meta.Name
		p.PackageVersion = meta.Version
		p.PackageDescription = meta.Description
		p.PackageMaintainer = meta.Author
		p.PackageArch = arch
		p.PackageDepends = raw.Depends
		p.PrermPath = raw.Prerm
		p.PostinstPath = raw.Postinst
		return p, nil

	case common.FormatArch:
		p := artifact.NewArchProducer(raw.Name, raw.Path, injections)
		p.PackageName = meta.Name
		p.PackageVersion = meta.Version
		p.PackageDescription = meta.Description
		p.PackageAuthor = meta.Author
		p.PackageArch = arch
		p.PackageLicense = meta.License
		return p, nil

	case common.FormatRpm:
		p := artifact.NewRpmProducer(raw.Name, raw.Path, injections)
		p.PackageName = meta.Name
		p.PackageVersion = meta.Version
		p.PackageDescription = meta.Description
		p.PackageLicense = meta.License
		p.PackageArch = arch
		if raw.Depends != "" {
			p.Dependencies = []string{raw.Depends}
		}
		return p, nil

	case common.FormatDocker:
		p := artifact.NewDockerProducer(raw.Name, raw.Image, injections)
		p.BaseImage = raw.BaseImage
		p.Entrypoint = raw.Entrypoint
		p.Cmd = raw.Cmd
		p.Env = raw.Env
		p.WorkingDir = raw.WorkingDir
		p.Ports = raw.Ports
		p.Arch = arch
		return p, nil

	case common.FormatOci:
		p := artifact.NewOciProducer(raw.Name, raw.Path, injections)
		p.BaseImage = raw.BaseImage
		p.Entrypoint = raw.Entrypoint
		p.Cmd = raw.Cmd
		p.Env = raw.Env
		p.WorkingDir = raw.WorkingDir
		p.Ports = raw.Ports
		p.Arch = arch
		return p, nil

	case common.FormatExt4:
		var size int64
		if raw.Size != "" {
			size, err = units.RAMInBytes(raw.Size)
			if err != nil {
				return nil, errors.Wrapf(err, "ext4 size %q", raw.Size)
			}
		}
		return artifact.NewExt4Producer(raw.Name, raw.Path, size, injections), nil

	default:
		return nil, errors.Errorf("unknown output type %q", raw.Type)
	}
}

func resolveInjections(labels []string, registry map[string]injection.Injection) ([]injection.Injection, error) {
	out := make([]injection.Injection, 0, len(labels))
	for _, label := range labels {
		inj, ok := registry[label]
		if !ok {
			return nil, errors.Errorf("unknown injection label %q", label)
		}
		out = append(out, inj)
	}
	return out, nil
}

// TranslateArch maps the metadata architecture into the target format's
// naming. Formats without their own convention use the identity mapping.
func TranslateArch(format, arch string) (string, error) {
	switch format {
	case common.FormatArch:
		switch arch {
		case "x86_64", "amd64":
			return "x86_64", nil
		case "any", "":
			return "any", nil
		default:
			return "", errors.Errorf("unsupported architecture for arch linux: %s", arch)
		}
	case common.FormatDeb:
		switch arch {
		case "x86_64", "amd64":
			return "amd64", nil
		case "any":
			return "all", nil
		default:
			return arch, nil
		}
	case common.FormatRpm:
		switch arch {
		case "x86_64", "amd64":
			return "x86_64", nil
		case "any":
			return "noarch", nil
		default:
			return arch, nil
		}
	case common.FormatDocker, common.FormatOci:
		// go-containerregistry platforms use the docker convention.
		if arch == "x86_64" {
			return "amd64", nil
		}
		return arch, nil
	default:
		return arch, nil
	}
}

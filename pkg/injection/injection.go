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

// Package injection interprets the declarative mutation DSL a producer
// applies to its filesystem between decode and encode.
package injection

import (
	gopath "path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/queer/peckish/common"
	"github.com/queer/peckish/pkg/memfs"
	"github.com/queer/peckish/utils/epoch"
)

// Injection kinds.
const (
	TypeMove     = "move"
	TypeCopy     = "copy"
	TypeSymlink  = "symlink"
	TypeTouch    = "touch"
	TypeDelete   = "delete"
	TypeCreate   = "create"
	TypeHostFile = "host_file"
	TypeHostDir  = "host_dir"
)

// Injection is one tagged mutation. Which fields are meaningful depends on
// Type; Validate enforces the pairing.
//
// Neither move nor delete prunes the emptied parent directories they leave
// behind. That is deliberate: silently vanishing directories surprise
// users, so cleanup is spelled as explicit delete injections.
type Injection struct {
	Type    string `yaml:"type"`
	Src     string `yaml:"src,omitempty"`
	Dest    string `yaml:"dest,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Content string `yaml:"content,omitempty"`
}

// Validate checks the field pairing for the injection's type.
func (i Injection) Validate() error {
	need := func(field, value string) error {
		if value == "" {
			return errors.Errorf("injection %q requires %s", i.Type, field)
		}
		return nil
	}

	switch i.Type {
	case TypeMove, TypeCopy, TypeSymlink, TypeHostFile, TypeHostDir:
		if err := need("src", i.Src); err != nil {
			return err
		}
		return need("dest", i.Dest)
	case TypeTouch, TypeDelete:
		return need("path", i.Path)
	case TypeCreate:
		return need("path", i.Path)
	default:
		return errors.Errorf("unknown injection type %q", i.Type)
	}
}

// Apply runs injections against fs strictly in order. The first failure
// aborts and is attributed to its position in the list.
func Apply(fs *memfs.FS, injections []Injection) error {
	for idx, inj := range injections {
		if err := inj.apply(fs); err != nil {
			return errors.Wrapf(err, "injection %d (%s)", idx, inj.Type)
		}
	}
	return nil
}

func (i Injection) apply(fs *memfs.FS) error {
	switch i.Type {
	case TypeMove:
		logrus.Debugf("moving %s to %s", i.Src, i.Dest)
		return moveOrCopy(fs, i.Src, i.Dest, fs.Rename)

	case TypeCopy:
		logrus.Debugf("copying %s to %s", i.Src, i.Dest)
		return moveOrCopy(fs, i.Src, i.Dest, fs.Copy)

	case TypeSymlink:
		logrus.Debugf("symlinking %s to %s", i.Dest, i.Src)
		// No validation that Src resolves; dangling links are legitimate
		// package content.
		return fs.Replace(i.Dest, memfs.NewSymlink(i.Src))

	case TypeTouch:
		logrus.Debugf("touching %s", i.Path)
		now, err := epoch.Now()
		if err != nil {
			return err
		}
		if node, err := fs.Lookup(i.Path); err == nil {
			node.Meta().Mtime = now
			return nil
		}
		return fs.Insert(i.Path, memfs.NewFile(memfs.BytesBlob(nil), common.FileMode0644, now))

	case TypeDelete:
		logrus.Debugf("deleting %s", i.Path)
		err := fs.Remove(i.Path, true)
		if err != nil && errors.Is(err, memfs.ErrNotFound) {
			return nil
		}
		return err

	case TypeCreate:
		logrus.Debugf("creating %s", i.Path)
		now, err := epoch.Now()
		if err != nil {
			return err
		}
		return fs.Replace(i.Path, memfs.NewFile(memfs.BytesBlob([]byte(i.Content)), common.FileMode0644, now))

	case TypeHostFile, TypeHostDir:
		logrus.Debugf("importing host path %s to %s", i.Src, i.Dest)
		return memfs.CopyFromHost(fs, i.Src, i.Dest)

	default:
		return errors.Errorf("unknown injection type %q", i.Type)
	}
}

// moveOrCopy resolves the shared dest convention: moving or copying onto
// an existing directory drops the source into it by basename, and an
// existing file at dest is replaced. A dest that already ends in the
// source's basename is used as given, so an existing directory there makes
// the operation fail.
func moveOrCopy(fs *memfs.FS, src, dest string, op func(src, dest string) error) error {
	if !fs.Exists(src) {
		return errors.Wrap(memfs.ErrNotFound, src)
	}
	if node, err := fs.Lookup(dest); err == nil {
		if _, ok := node.(*memfs.Dir); ok && !strings.HasSuffix(dest, "/"+gopath.Base(src)) {
			dest = gopath.Join(dest, gopath.Base(src))
		}
	}
	if node, err := fs.Lookup(dest); err == nil {
		if _, ok := node.(*memfs.Dir); !ok {
			if err := fs.Remove(dest, true); err != nil {
				return err
			}
		}
	}
	return op(src, dest)
}

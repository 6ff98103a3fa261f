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

// Package compression hides the stream codecs behind one Type. Decoders
// sniff magic bytes so callers never have to know how an input artifact was
// compressed; encoders pick the codec from the destination file suffix.
package compression

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

type Type int

const (
	None Type = iota
	Gzip
	Zstd
	Xz
	Bzip2
)

func (t Type) String() string {
	switch t {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Xz:
		return "xz"
	case Bzip2:
		return "bzip2"
	default:
		return "none"
	}
}

// ParseType maps a config string to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "xz":
		return Xz, nil
	case "bzip2", "bz2":
		return Bzip2, nil
	default:
		return None, errors.Errorf("unknown compression type %q", s)
	}
}

// ForPath chooses a Type from a destination file suffix.
func ForPath(path string) Type {
	switch {
	case strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz"):
		return Gzip
	case strings.HasSuffix(path, ".zst") || strings.HasSuffix(path, ".zstd"):
		return Zstd
	case strings.HasSuffix(path, ".xz") || strings.HasSuffix(path, ".txz"):
		return Xz
	case strings.HasSuffix(path, ".bz2"):
		return Bzip2
	default:
		return None
	}
}

var magics = []struct {
	prefix []byte
	kind   Type
}{
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
	{[]byte{0x1f, 0x8b}, Gzip},
	{[]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, Xz},
	{[]byte{0x42, 0x5a, 0x68}, Bzip2},
}

// Detect sniffs the compression of r without consuming it. The returned
// reader replays the peeked bytes.
func Detect(r io.Reader) (Type, io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return None, nil, err
	}
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.kind, br, nil
		}
	}
	return None, br, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error {
	if rc.close == nil {
		return nil
	}
	return rc.close()
}

// NewReader wraps r in the decompressor matching its magic bytes. Plain
// streams pass through untouched.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	kind, pr, err := Detect(r)
	if err != nil {
		return nil, err
	}

	switch kind {
	case Gzip:
		gz, err := gzip.NewReader(pr)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		return gz, nil
	case Zstd:
		dec, err := zstd.NewReader(pr)
		if err != nil {
			return nil, errors.Wrap(err, "open zstd stream")
		}
		return dec.IOReadCloser(), nil
	case Xz:
		xr, err := xz.NewReader(pr)
		if err != nil {
			return nil, errors.Wrap(err, "open xz stream")
		}
		return &readCloser{Reader: xr}, nil
	case Bzip2:
		return &readCloser{Reader: bzip2.NewReader(pr)}, nil
	default:
		return &readCloser{Reader: pr}, nil
	}
}

// NewWriter wraps w in the compressor for t. Closing the returned writer
// flushes the codec but not w. Bzip2 output is refused: nothing modern
// requests it and the Go ecosystem has no maintained encoder.
func NewWriter(w io.Writer, t Type) (io.WriteCloser, error) {
	switch t {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "open zstd writer")
		}
		return enc, nil
	case Xz:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "open xz writer")
		}
		return xw, nil
	case Bzip2:
		return nil, errors.New("bzip2 compression is read-only")
	default:
		return &nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (*nopWriteCloser) Close() error { return nil }

// Copyright 2021 Tetrate
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

// Package compress wraps the CPIO output byte stream with gzip, zstd or an
// identity passthrough, per spec.md §4.5. Both the gzip and zstd variants
// are backed by github.com/klauspost/compress, the compression stack used
// consistently across this dependency set (see taboola-shmocker and
// devantler-tech-ksail's go.mod, both of which pull in
// klauspost/compress alongside klauspost/pgzip) rather than mixing the
// standard library's compress/gzip for output with a third-party zstd
// encoder for the other variant.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Kind selects a Compressor implementation.
type Kind string

const (
	Gzip     Kind = "gzip"
	Zstd     Kind = "zstd"
	Identity Kind = "none"
)

// Sink is a byte sink that must be Finished exactly once, at which point
// the wrapped writer becomes durable: for the identity variant that's
// immediate, for gzip/zstd it flushes the trailing frame metadata.
type Sink interface {
	io.Writer
	// Finish flushes any buffered compression state and writes the
	// container trailer. It must be called exactly once.
	Finish() error
}

// New returns a Sink of the given Kind wrapping w.
func New(kind Kind, w io.Writer) (Sink, error) {
	switch kind {
	case Gzip:
		return &gzipSink{w: gzip.NewWriter(w)}, nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return &zstdSink{w: zw}, nil
	case Identity:
		return identitySink{w: w}, nil
	default:
		return nil, fmt.Errorf("usage: unknown compression %q", kind)
	}
}

type gzipSink struct{ w *gzip.Writer }

func (s *gzipSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *gzipSink) Finish() error                { return s.w.Close() }

type zstdSink struct{ w *zstd.Encoder }

func (s *zstdSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *zstdSink) Finish() error                { return s.w.Close() }

type identitySink struct{ w io.Writer }

func (s identitySink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s identitySink) Finish() error                { return nil }

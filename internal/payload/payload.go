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

// Package payload holds regular file content encountered while applying
// image layers. Small files stay in memory; anything at or above
// Threshold spills to a scratch file so the assembled tree never needs
// the whole image resident at once.
package payload

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Threshold is the size in bytes at or above which a Handle backs its content with
// a scratch file instead of a memory buffer.
const Threshold = 1 << 20 // 1 MiB

// Handle is a replayable reference to a regular file's bytes. Open may be
// called more than once; each call gets an independent reader positioned at
// the start of the content.
type Handle interface {
	// Size is the content length in bytes.
	Size() int64
	// Open returns a reader over the full content from the start. The
	// caller must Close it.
	Open() (io.ReadCloser, error)
}

// Scope tracks scratch files created by New so they can be removed on a
// single exit path, success or failure.
type Scope struct {
	dir   string
	files []string
}

// NewScope creates a Scope rooted under a fresh directory in os.TempDir.
func NewScope() (*Scope, error) {
	dir, err := os.MkdirTemp("", "carinit-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	return &Scope{dir: dir}, nil
}

// Close removes every scratch file created through this Scope along with
// its backing directory. It is safe to call more than once.
func (s *Scope) Close() error {
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

// New returns a Handle over r, reading exactly size bytes. Content smaller
// than payload.Threshold is buffered in memory; content of Threshold bytes or
// more is copied to a scratch file owned by s.
func (s *Scope) New(r io.Reader, size int64) (Handle, error) {
	if size < Threshold {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("buffering %d bytes: %w", size, err)
		}
		return &memHandle{data: buf}, nil
	}

	f, err := os.CreateTemp(s.dir, "layer-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	s.files = append(s.files, f.Name())
	defer f.Close() //nolint

	if _, err := io.CopyN(f, r, size); err != nil {
		return nil, fmt.Errorf("spilling %d bytes to %s: %w", size, f.Name(), err)
	}
	return &fileHandle{path: f.Name(), size: size}, nil
}

// FromBytes wraps an in-memory byte slice as a Handle, used for injected
// host files and the /init override whose content is already resident.
func FromBytes(b []byte) Handle {
	return &memHandle{data: b}
}

type memHandle struct{ data []byte }

func (h *memHandle) Size() int64 { return int64(len(h.data)) }

func (h *memHandle) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

type fileHandle struct {
	path string
	size int64
}

func (h *fileHandle) Size() int64 { return h.size }

func (h *fileHandle) Open() (io.ReadCloser, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("reopening scratch file %s: %w", h.path, err)
	}
	return f, nil
}

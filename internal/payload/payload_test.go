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

package payload

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScope_New_memory(t *testing.T) {
	s, err := NewScope()
	require.NoError(t, err)
	defer s.Close() //nolint

	data := bytes.Repeat([]byte("a"), 100)
	h, err := s.New(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, int64(100), h.Size())
	require.Empty(t, s.files)

	r, err := h.Open()
	require.NoError(t, err)
	defer r.Close() //nolint
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestScope_New_scratchFile(t *testing.T) {
	s, err := NewScope()
	require.NoError(t, err)
	defer s.Close() //nolint

	size := int64(Threshold + 10)
	data := bytes.Repeat([]byte("b"), int(size))
	h, err := s.New(bytes.NewReader(data), size)
	require.NoError(t, err)
	require.Equal(t, size, h.Size())
	require.Len(t, s.files, 1)

	// Replayable: open twice and get the same bytes both times.
	for i := 0; i < 2; i++ {
		r, err := h.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, data, got)
	}
}

func TestScope_Close_removesScratchFiles(t *testing.T) {
	s, err := NewScope()
	require.NoError(t, err)

	size := int64(Threshold + 1)
	h, err := s.New(bytes.NewReader(make([]byte, size)), size)
	require.NoError(t, err)

	fh := h.(*fileHandle)
	_, statErr := os.Stat(fh.path)
	require.NoError(t, statErr)

	require.NoError(t, s.Close())

	_, statErr = os.Stat(fh.path)
	require.True(t, os.IsNotExist(statErr))
}

func TestFromBytes(t *testing.T) {
	h := FromBytes([]byte("hello"))
	require.Equal(t, int64(5), h.Size())
	r, err := h.Open()
	require.NoError(t, err)
	defer r.Close() //nolint
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

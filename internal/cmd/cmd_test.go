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

package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/carinit/api"
)

func TestRun_usageErrors(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedStatus int
		expectedStderr string
	}{
		{
			name:           "unknown flag",
			args:           []string{"carinit", "build", "--nope"},
			expectedStatus: 2,
		},
		{
			name:           "build missing IMAGE",
			args:           []string{"carinit", "build"},
			expectedStatus: 2,
			expectedStderr: "error: expected exactly one IMAGE argument\n",
		},
		{
			name:           "build invalid platform-arch",
			args:           []string{"carinit", "build", "--platform-arch", "riscv64", "alpine:3"},
			expectedStatus: 2,
			expectedStderr: `error: invalid platform-arch flag: "riscv64" must be amd64 or arm64` + "\n",
		},
		{
			name:           "build invalid compression",
			args:           []string{"carinit", "build", "--compression", "lzma", "alpine:3"},
			expectedStatus: 2,
			expectedStderr: `error: invalid compression flag: "lzma" must be gzip, zstd or none` + "\n",
		},
		{
			name:           "build invalid inject syntax",
			args:           []string{"carinit", "build", "--inject", "nocolon", "alpine:3"},
			expectedStatus: 2,
			expectedStderr: `error: invalid inject flag "nocolon": expected host-path:guest-path` + "\n",
		},
		{
			name:           "build inject with relative guest path",
			args:           []string{"carinit", "build", "--inject", "a.txt:usr/bin/a", "alpine:3"},
			expectedStatus: 2,
			expectedStderr: `error: invalid inject flag "a.txt:usr/bin/a": guest-path must be absolute` + "\n",
		},
		{
			name:           "inspect missing IMAGE",
			args:           []string{"carinit", "inspect"},
			expectedStatus: 2,
			expectedStderr: "error: expected exactly one IMAGE argument\n",
		},
		{
			name:           "list-layers missing IMAGE",
			args:           []string{"carinit", "list-layers"},
			expectedStatus: 2,
			expectedStderr: "error: expected exactly one IMAGE argument\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			status := Run(context.Background(), &stdout, &stderr, tc.args[1:])
			require.Equal(t, tc.expectedStatus, status)
			if tc.expectedStderr != "" {
				require.Equal(t, tc.expectedStderr, stderr.String())
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind     api.Kind
		expected int
	}{
		{api.KindUsage, 2},
		{api.KindReferenceNotFound, 3},
		{api.KindPlatformNotFound, 4},
		{api.KindAuth, 5},
		{api.KindDigestMismatch, 6},
		{api.KindIO, 7},
		{api.KindTarMalformed, 1},
		{api.KindAssembly, 1},
		{api.Kind("unmapped"), 1},
	}
	for _, tc := range tests {
		require.Equal(t, tc.expected, exitCode(tc.kind), tc.kind)
	}
}

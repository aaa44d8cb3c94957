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

// Package fake provides an in-memory api.Registry for tests in
// internal/driver that need a realistic multi-layer image
// without a network round trip, generalized from the teacher's own
// internal/registry/fake fixture to the new OpenLayer streaming contract.
package fake

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tetratelabs/carinit/api"
)

// image implements api.Image over fakeFilesystemLayers.
type image struct {
	arch string
}

func (i image) Digest() string           { return "sha256:fakeimagedigest" }
func (i image) FilesystemLayerCount() int { return len(fakeFilesystemLayers) }
func (i image) FilesystemLayer(idx int) api.FilesystemLayer {
	if idx < 0 || idx >= len(fakeFilesystemLayers) {
		return nil
	}
	return fakeFilesystemLayers[idx]
}
func (i image) String() string { return fmt.Sprintf("fake image arch=%s", i.arch) }

// filesystemLayer is a reference to one of fakeFiles' tar-encoded layers.
type filesystemLayer struct {
	digest    string
	mediaType string
	size      int64
	createdBy string
}

func (f filesystemLayer) MediaType() string { return f.mediaType }
func (f filesystemLayer) Digest() string    { return f.digest }
func (f filesystemLayer) Size() int64       { return f.size }
func (f filesystemLayer) CreatedBy() string { return f.createdBy }
func (f filesystemLayer) String() string    { return f.digest }

// Registry is a ready-to-use fake serving a single tagged, single-arch
// image on "amd64" for any repository with tag "v1.0" (e.g. "user/repo:v1.0");
// only the tag is checked.
var Registry = &registry{arch: "amd64", tag: "v1.0"}

type registry struct {
	arch, tag string
}

func (r *registry) GetImage(ctx context.Context, ref api.Reference, arch string) (api.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if arch != "" && arch != r.arch {
		return nil, api.NewKindError(api.KindPlatformNotFound, fmt.Errorf("arch %s not found", arch))
	}
	if ref.Tag() != r.tag {
		return nil, api.NewKindError(api.KindReferenceNotFound, fmt.Errorf("tag %s not found", ref.Tag()))
	}
	return image{arch: r.arch}, nil
}

func (r *registry) OpenLayer(ctx context.Context, layer api.FilesystemLayer) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fl, ok := layer.(filesystemLayer)
	if !ok {
		return nil, fmt.Errorf("layer %v was not obtained from this registry", layer)
	}

	var files []*fakeFile
	for i := range fakeFilesystemLayers {
		if fakeFilesystemLayers[i].digest == fl.digest {
			files = fakeFiles[i]
			break
		}
	}
	if files == nil {
		return nil, api.NewKindError(api.KindReferenceNotFound, fmt.Errorf("layer %s not found", fl.digest))
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i, file := range files {
		modTime, err := time.Parse(time.RFC3339, file.modTimeRFC3339)
		if err != nil {
			return nil, err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    file.name,
			Size:    file.size,
			Mode:    int64(file.mode),
			ModTime: modTime,
		}); err != nil {
			return nil, err
		}
		// fake content differs by index so a debugger can tell files apart.
		content := make([]byte, file.size)
		for j := range content {
			content[j] = byte(i)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// fakeFilesystemLayers is pair-indexed with fakeFiles.
var fakeFilesystemLayers = []filesystemLayer{
	{
		digest:    "sha256:4e07f3bd88fb4a468d5551c21eb05f625b0efe9ee00ae25d3ffb87c0f563693",
		mediaType: api.MediaTypeOCIImageLayer,
		size:      30,
		createdBy: `/bin/sh -c #(nop) ADD file:d7fa3c26651f9204a5629287a1a9a6e7dc6a0bc6eb499e82c433c0c8f67ff46b in /`,
	},
	{
		digest:    "sha256:15a7c58f96c57b941a56cbf1bdd525cdef1773a7671c52b7039047a1941105c",
		mediaType: api.MediaTypeOCIImageLayer,
		size:      30,
		createdBy: `ADD build/* /usr/local/bin/ # buildkit`,
	},
	{
		digest:    "sha256:6d2d8da2960b0044c22730be087e6d7b197ab215d78f9090a3dff8cb7c40c241",
		mediaType: api.MediaTypeOCIImageLayer,
		size:      50,
		createdBy: `ADD build/* /usr/local/sbin/ # buildkit`,
	},
}

type fakeFile struct {
	name           string
	size           int64
	mode           os.FileMode
	modTimeRFC3339 string
}

// fakeFiles is pair-indexed with fakeFilesystemLayers. The fake data
// intentionally overlaps on "usr/local" for testing.
var fakeFiles = [][]*fakeFile{
	{
		{"bin/apple.txt", 10, 0o640 & os.ModePerm, "2020-06-07T06:28:15Z"},
		{"usr/local/bin/boat", 20, 0o755 & os.ModePerm, "2021-04-16T22:53:09Z"},
	},
	{
		{"usr/local/bin/car", 30, 0o755 & os.ModePerm, "2021-05-12T03:53:29Z"},
	},
	{
		{"usr/local/sbin/car", 50, 0o755 & os.ModePerm, "2021-05-12T03:53:29Z"},
	},
}

// Copyright 2023 Tetrate
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

// Package api defines the registry-facing contract the driver builds
// against, decoupling internal/driver from any one registry client
// implementation the way the teacher's own api package decouples its CLI
// from internal/registry.
package api

import (
	"context"
	"io"
)

const (
	MediaTypeOCIImageConfig   = "application/vnd.oci.image.config.v1+json"
	MediaTypeOCIImageIndex    = "application/vnd.oci.image.index.v1+json"
	MediaTypeOCIImageManifest = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIImageLayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeOCIImageLayerZstd = "application/vnd.oci.image.layer.v1.tar+zstd"
	MediaTypeOCIImageLayer     = "application/vnd.oci.image.layer.v1.tar"

	MediaTypeDockerContainerImage = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerImageLayer     = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerManifest       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Reference is a parsed, normalized OCI/Docker reference.
//
// All implementations live in internal/reference; this is an interface for
// decoupling internal/driver and internal/cmd from that concrete type.
type Reference interface {
	Domain() string
	Path() string
	// Tag is the requested tag, empty when Digest is set instead.
	Tag() string
	// Digest is the requested content digest, empty when Tag is set instead.
	Digest() string
	String() string
}

// Registry is an abstraction over a potentially remote OCI registry.
type Registry interface {
	// GetImage returns a summary of an image reference for a given
	// architecture (e.g. "amd64"), including its layers. The registry
	// client returns a single-platform manifest whatever arch is, and
	// selects "amd64" from a multi-platform index when arch is empty.
	GetImage(ctx context.Context, ref Reference, arch string) (Image, error)

	// OpenLayer streams one layer's content, already decompressed to a
	// raw tar byte stream and wrapped so that a digest mismatch between
	// the bytes actually read and layer.Digest surfaces as an error from
	// Read once the body has been fully consumed.
	OpenLayer(ctx context.Context, layer FilesystemLayer) (io.ReadCloser, error)
}

// Image represents the filesystem layers that make up an image on a
// specific platform, parsed from the OCI manifest and configuration.
//
// See https://github.com/opencontainers/image-spec/blob/main/manifest.md
type Image interface {
	// Digest is the manifest's own content digest.
	Digest() string

	// FilesystemLayerCount is the count of layers, used to loop.
	FilesystemLayerCount() int

	// FilesystemLayer returns a FilesystemLayer given its index, or nil
	// if idx is out of range.
	FilesystemLayer(idx int) FilesystemLayer

	String() string
}

// Kind classifies a terminal error for CLI exit-code mapping, generalizing
// the teacher's internal/cmd validationError marker (which only
// distinguished usage errors from everything else) to the full set spec.md
// §7 names.
type Kind string

const (
	KindUsage             Kind = "usage"
	KindReferenceNotFound Kind = "reference-not-found"
	KindPlatformNotFound  Kind = "platform-not-found"
	KindAuth              Kind = "auth"
	KindDigestMismatch    Kind = "digest-mismatch"
	KindTarMalformed      Kind = "tar-malformed"
	KindIO                Kind = "io"
	KindAssembly          Kind = "assembly"
)

// KindError pairs a Kind with the underlying error. internal/cmd type-asserts
// (via errors.As) for *KindError at the CLI boundary to pick an exit code;
// an error with no such wrapping maps to the "other" exit code.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// NewKindError wraps err with kind, or returns nil if err is nil.
func NewKindError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// FilesystemLayer is a reference to a non-empty, possibly compressed image
// layer blob.
//
// See https://github.com/opencontainers/image-spec/blob/main/layer.md
type FilesystemLayer interface {
	// MediaType is the content type of this layer, one of the
	// MediaType* constants above.
	MediaType() string

	// Digest is the descriptor's content digest of the compressed blob,
	// e.g. "sha256:...".
	Digest() string

	// Size is the compressed size in bytes of this layer.
	Size() int64

	// CreatedBy is the (usually Dockerfile) command that produced this
	// layer, when the registry's image config supplied history.
	CreatedBy() string

	String() string
}

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

package registry

import (
	"fmt"
	"regexp"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tetratelabs/carinit/api"
)

const (
	// acceptImageConfigV1 are media-types for the image config blob.
	acceptImageConfigV1 = api.MediaTypeOCIImageConfig + "," + api.MediaTypeDockerContainerImage

	// acceptImageIndexV1 are media-types for a multi-platform image index.
	acceptImageIndexV1 = api.MediaTypeOCIImageIndex + "," + api.MediaTypeDockerManifestList

	// acceptImageManifestV1 are media-types for a single-platform image manifest.
	acceptImageManifestV1 = api.MediaTypeOCIImageManifest + "," + api.MediaTypeDockerManifest
)

// imageManifestV1 pairs the OCI manifest schema (specs.Manifest) with its
// own content digest, which is derived from the response bytes rather than
// carried in the JSON body.
type imageManifestV1 struct {
	specs.Manifest
	Digest string
}

var (
	// ignoredDockerDirectives are Dockerfile directives that don't result in a tarball which could contain a binary.
	// This is used because some versions of Docker don't set `"empty_layer": true` in the config JSON.
	// We can't use an allow list because "RUN", "ADD" and "COPY" are not always in "created_by", most notably in the
	// canonical images made by https://github.com/docker-library/bashbrew
	ignoredDockerDirectives = []string{
		"ARG", "CMD", "ENTRYPOINT", "ENV", "EXPOSE", "HEALTHCHECK", "LABEL",
		"MAINTAINER", "ONBUILD", "SHELL", "STOPSIGNAL", "USER", "VOLUME", "WORKDIR",
	}
	skipCreatedByPattern = regexp.MustCompile(".* +(?:" + strings.Join(ignoredDockerDirectives, "|") + ") .*")
)

// supportedLayerMediaTypes are layer descriptor media types this registry
// client knows how to decompress, per spec.md §4.1's gzip/zstd/uncompressed
// set (extended from the teacher's gzip-only handling).
var supportedLayerMediaTypes = map[string]bool{
	api.MediaTypeOCIImageLayer:     true,
	api.MediaTypeOCIImageLayerGzip: true,
	api.MediaTypeOCIImageLayerZstd: true,
	api.MediaTypeDockerImageLayer:  true,
}

func newImage(manifest *imageManifestV1, config *specs.Image, baseURL string) *image {
	return &image{
		digest:           manifest.Digest,
		filesystemLayers: filterLayers(baseURL, manifest, config),
	}
}

func filterLayers(baseURL string, manifest *imageManifestV1, config *specs.Image) []filesystemLayer {
	history := config.History
	if len(history) == 0 { // history is optional, so back-fill if empty
		history = make([]specs.History, len(manifest.Layers))
	}

	var layers []filesystemLayer
	for j, k := 0, 0; j < len(manifest.Layers); j++ {
		l := manifest.Layers[j]
		for k < len(history) && history[k].EmptyLayer {
			k++ // skip layers explicitly empty by recent Docker
		}
		var h specs.History
		if k < len(history) {
			h = history[k]
			k++
		}

		if !supportedLayerMediaTypes[l.MediaType] {
			// Skip unknown or unsupported layer types, e.g. Windows foreign layers.
			continue
		}
		if skipCreatedByPattern.MatchString(h.CreatedBy) {
			continue
		}

		layers = append(layers, filesystemLayer{
			url:       fmt.Sprintf("%s/blobs/%s", baseURL, l.Digest),
			mediaType: l.MediaType,
			digest:    l.Digest.String(),
			size:      l.Size,
			createdBy: h.CreatedBy,
		})
	}
	return layers
}

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
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/carinit/api"
)

func TestImageIndexV1_Unmarshal(t *testing.T) {
	var v specs.Index
	require.NoError(t, json.Unmarshal([]byte(`{
		"schemaVersion": 2,
		"manifests": [
			{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:aaa", "size": 1, "platform": {"architecture": "amd64", "os": "linux"}},
			{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:bbb", "size": 1, "platform": {"architecture": "arm64", "os": "linux"}}
		]
	}`), &v))

	require.Len(t, v.Manifests, 2)
	require.Equal(t, "sha256:aaa", v.Manifests[0].Digest.String())
	require.Equal(t, "amd64", v.Manifests[0].Platform.Architecture)
	require.Equal(t, "linux", v.Manifests[1].Platform.OS)
}

func TestImageManifestV1_Unmarshal(t *testing.T) {
	var v imageManifestV1
	require.NoError(t, json.Unmarshal([]byte(`{
		"schemaVersion": 2,
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:cfg", "size": 100},
		"layers": [
			{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:layer1", "size": 200}
		]
	}`), &v.Manifest))

	require.Equal(t, api.MediaTypeOCIImageConfig, v.Config.MediaType)
	require.Len(t, v.Layers, 1)
	require.Equal(t, int64(200), v.Layers[0].Size)
}

func TestFilterLayers_skipsEmptyHistoryAndUnsupportedMediaTypes(t *testing.T) {
	manifest := &imageManifestV1{Manifest: specs.Manifest{
		Layers: []specs.Descriptor{
			{MediaType: api.MediaTypeOCIImageLayerGzip, Digest: "sha256:a", Size: 10},
			{MediaType: "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip", Digest: "sha256:b", Size: 20},
			{MediaType: api.MediaTypeOCIImageLayerGzip, Digest: "sha256:c", Size: 30},
		},
	}}
	config := &specs.Image{
		History: []specs.History{
			{CreatedBy: "/bin/sh -c #(nop) ADD file:abc in /"},
			{CreatedBy: "ENV FOO=bar", EmptyLayer: true},
			{CreatedBy: "COPY build/app /usr/local/bin/app"},
		},
	}

	// b's history slot (COPY) is consumed when walking the foreign layer
	// even though that layer is itself skipped: history entries marked
	// EmptyLayer (the ENV) are passed over and the rest correlate 1:1 with
	// manifest layers, so c is left with no history entry of its own.
	layers := filterLayers("https://example.com/v2/repo", manifest, config)
	require.Len(t, layers, 2)
	require.Equal(t, "https://example.com/v2/repo/blobs/sha256:a", layers[0].url)
	require.Equal(t, "/bin/sh -c #(nop) ADD file:abc in /", layers[0].createdBy)
	require.Equal(t, "https://example.com/v2/repo/blobs/sha256:c", layers[1].url)
	require.Empty(t, layers[1].createdBy)
}

func TestFilterLayers_skipsDockerfileDirectivesWithNoFilesystemChange(t *testing.T) {
	manifest := &imageManifestV1{Manifest: specs.Manifest{
		Layers: []specs.Descriptor{
			{MediaType: api.MediaTypeOCIImageLayerGzip, Digest: "sha256:a", Size: 10},
		},
	}}
	config := &specs.Image{
		History: []specs.History{
			{CreatedBy: "/bin/sh -c #(nop)  WORKDIR /app"},
		},
	}

	require.Empty(t, filterLayers("https://example.com/v2/repo", manifest, config))
}

func TestFilterLayers_backfillsMissingHistory(t *testing.T) {
	manifest := &imageManifestV1{Manifest: specs.Manifest{
		Layers: []specs.Descriptor{
			{MediaType: api.MediaTypeDockerImageLayer, Digest: "sha256:a", Size: 10},
		},
	}}
	config := &specs.Image{}

	layers := filterLayers("https://example.com/v2/repo", manifest, config)
	require.Len(t, layers, 1)
	require.Empty(t, layers[0].createdBy)
}

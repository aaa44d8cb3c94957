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

// Package registry implements api.Registry against a remote OCI/Docker
// registry, per spec.md §4.1: unauthenticated-first manifest fetch, bearer
// challenge-response auth (internal/registry/auth), platform selection from
// a multi-platform index, and digest-verified, decompressed layer
// streaming. Bounded exponential backoff wraps every registry HTTP call.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	digestpkg "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tetratelabs/carinit/api"
	"github.com/tetratelabs/carinit/internal/httpclient"
	"github.com/tetratelabs/carinit/internal/registry/auth"
)

// requiredOS is the only operating system this build targets. The CLI flag
// (spec.md §6) only exposes --platform-arch, so this is not user-settable.
const requiredOS = "linux"

// image implements api.Image
type image struct {
	digest           string
	filesystemLayers []filesystemLayer
}

func (i *image) Digest() string               { return i.digest }
func (i *image) FilesystemLayerCount() int     { return len(i.filesystemLayers) }
func (i *image) FilesystemLayer(idx int) api.FilesystemLayer {
	if idx < 0 || idx >= len(i.filesystemLayers) {
		return nil
	}
	return i.filesystemLayers[idx]
}

func (i *image) String() string {
	var size int64
	for idx := range i.filesystemLayers {
		size += i.filesystemLayers[idx].Size()
	}
	return fmt.Sprintf("digest=%s layers=%d totalLayerSize=%d", i.digest, len(i.filesystemLayers), size)
}

// filesystemLayer is a reference to a non-empty, possibly compressed layer.
//
// See https://github.com/opencontainers/image-spec/blob/master/layer.md
type filesystemLayer struct {
	url       string
	mediaType string
	digest    string
	size      int64
	createdBy string
}

func (f filesystemLayer) MediaType() string { return f.mediaType }
func (f filesystemLayer) Digest() string    { return f.digest }
func (f filesystemLayer) Size() int64       { return f.size }
func (f filesystemLayer) CreatedBy() string { return f.createdBy }
func (f filesystemLayer) String() string {
	return fmt.Sprintf("%s size=%d\nCreatedBy: %s", f.digest, f.size, f.createdBy)
}

type registry struct {
	baseURL    string
	httpClient httpclient.HTTPClient
}

// New returns an api.Registry for the given host (e.g. "docker.io",
// "ghcr.io", "localhost:5000"). The transport used for the unauthenticated
// leg of every request is httpclient.TransportFromContext(ctx), matching the
// teacher's ContextWithTransport test seam; credentials is optional.
func New(ctx context.Context, host string, credentials *auth.CredentialStore) api.Registry {
	scheme := "https"
	if strings.HasSuffix(host, ":5000") { // well-known plain text port. ex `docker run registry:2`
		scheme = "http"
	}
	baseURL := fmt.Sprintf("%s://%s/v2", scheme, apiHost(host))
	rt := &auth.RoundTripper{Base: httpclient.TransportFromContext(ctx), Credentials: credentials}
	return &registry{baseURL: baseURL, httpClient: httpclient.New(rt)}
}

// apiHost translates a reference's normalized domain to the host that
// actually serves the OCI Distribution v2 API, per spec.md §3: a bare or
// Docker-Hub reference normalizes to domain "docker.io"
// (docker/distribution/reference.ParseNormalizedNamed's convention), but
// "docker.io" itself doesn't serve the registry API — only
// "registry-1.docker.io" does.
func apiHost(host string) string {
	if host == "docker.io" {
		return "registry-1.docker.io"
	}
	return host
}

func (r *registry) String() string { return r.baseURL }

func (r *registry) GetImage(ctx context.Context, ref api.Reference, arch string) (api.Image, error) {
	manifest, err := r.getImageManifest(ctx, ref, arch)
	if err != nil {
		return nil, err
	}

	// History (created_by for each layer) is not in the manifest, rather the config JSON.
	config, err := r.getImageConfig(ctx, ref.Path(), manifest)
	if err != nil {
		return nil, err
	}

	return newImage(manifest, config, r.baseURL+"/"+ref.Path()), nil
}

func (r *registry) getImageManifest(ctx context.Context, ref api.Reference, arch string) (*imageManifestV1, error) {
	header := http.Header{}
	header.Add("Accept", acceptImageIndexV1)
	header.Add("Accept", acceptImageManifestV1)

	tagOrDigest := ref.Tag()
	if tagOrDigest == "" {
		tagOrDigest = ref.Digest()
	}
	url := fmt.Sprintf("%s/%s/manifests/%s", r.baseURL, ref.Path(), tagOrDigest)

	b, mediaType, err := r.getWithRetry(ctx, url, header)
	if err != nil {
		return nil, classifyManifestError(err)
	}

	switch {
	case strings.Contains(acceptImageIndexV1, mediaType):
		index := specs.Index{}
		if err = json.Unmarshal(b, &index); err != nil {
			return nil, api.NewKindError(api.KindIO, fmt.Errorf("error unmarshalling image index from %s: %w", url, err))
		}
		return r.findPlatformManifest(ctx, &index, ref.Path(), arch)
	case strings.Contains(acceptImageManifestV1, mediaType):
		manifest := imageManifestV1{}
		if err = json.Unmarshal(b, &manifest.Manifest); err != nil {
			return nil, api.NewKindError(api.KindIO, fmt.Errorf("error unmarshalling image manifest from %s: %w", url, err))
		}
		manifest.Digest = digestpkg.FromBytes(b).String()
		return &manifest, nil
	default:
		return nil, api.NewKindError(api.KindIO, fmt.Errorf("unknown mediaType %s from %s", mediaType, url))
	}
}

func (r *registry) findPlatformManifest(ctx context.Context, index *specs.Index, path, arch string) (*imageManifestV1, error) {
	if arch == "" {
		arch = "amd64"
	}

	var match *specs.Descriptor
	var available []string
	for idx := range index.Manifests {
		ref := &index.Manifests[idx]
		if ref.Platform == nil {
			continue // skip unknown platform
		}
		available = append(available, fmt.Sprintf("%s/%s", ref.Platform.OS, ref.Platform.Architecture))
		if ref.Platform.OS == requiredOS && ref.Platform.Architecture == arch {
			match = ref
			break
		}
	}
	if match == nil {
		sort.Strings(available)
		return nil, api.NewKindError(api.KindPlatformNotFound,
			fmt.Errorf("%s/%s is not a supported platform: %s", requiredOS, arch, strings.Join(available, ", ")))
	}

	url := fmt.Sprintf("%s/%s/manifests/%s", r.baseURL, path, match.Digest)
	header := http.Header{}
	header.Add("Accept", match.MediaType)
	b, _, err := r.getWithRetry(ctx, url, header)
	if err != nil {
		return nil, classifyManifestError(err)
	}

	manifest := imageManifestV1{}
	if err := json.Unmarshal(b, &manifest.Manifest); err != nil {
		return nil, api.NewKindError(api.KindIO, fmt.Errorf("error unmarshalling image ref for platform %s/%s: %w", requiredOS, arch, err))
	}
	manifest.Digest = match.Digest.String()
	return &manifest, nil
}

func (r *registry) getImageConfig(ctx context.Context, path string, manifest *imageManifestV1) (*specs.Image, error) {
	if !strings.Contains(acceptImageConfigV1, manifest.Config.MediaType) {
		return nil, api.NewKindError(api.KindIO, fmt.Errorf("invalid config media type %q in image manifest", manifest.Config.MediaType))
	}
	url := fmt.Sprintf("%s/%s/blobs/%s", r.baseURL, path, manifest.Config.Digest)
	header := http.Header{}
	header.Add("Accept", manifest.Config.MediaType)

	b, _, err := r.getWithRetry(ctx, url, header)
	if err != nil {
		return nil, classifyManifestError(err)
	}
	config := specs.Image{}
	if err := json.Unmarshal(b, &config); err != nil {
		return nil, api.NewKindError(api.KindIO, fmt.Errorf("error unmarshalling image config from %s: %w", url, err))
	}
	return &config, nil
}

// OpenLayer implements the same method as documented on api.Registry.
func (r *registry) OpenLayer(ctx context.Context, layer api.FilesystemLayer) (io.ReadCloser, error) {
	fl, ok := layer.(filesystemLayer)
	if !ok {
		return nil, fmt.Errorf("layer %v was not obtained from this registry", layer)
	}

	header := http.Header{}
	header.Add("Accept", fl.mediaType)

	var body io.ReadCloser
	err := withRetry(ctx, func() error {
		var err error
		body, err = r.httpClient.GetStream(ctx, fl.url, header, digestpkg.Digest(fl.digest))
		return err
	})
	if err != nil {
		return nil, classifyBlobError(err)
	}
	body = digestMismatchBody{body}

	switch fl.mediaType {
	case api.MediaTypeOCIImageLayerGzip, api.MediaTypeDockerImageLayer:
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close() //nolint
			return nil, api.NewKindError(api.KindTarMalformed, fmt.Errorf("opening gzip layer %s: %w", fl.digest, err))
		}
		return &gzipLayerBody{gz: zr, body: body}, nil
	case api.MediaTypeOCIImageLayerZstd:
		zr, err := zstd.NewReader(body)
		if err != nil {
			body.Close() //nolint
			return nil, api.NewKindError(api.KindTarMalformed, fmt.Errorf("opening zstd layer %s: %w", fl.digest, err))
		}
		return &zstdLayerBody{zr: zr, body: body}, nil
	default:
		return body, nil
	}
}

// digestMismatchBody tags the digest mismatch error that the verifying body
// returns at end of stream with api.KindDigestMismatch.
type digestMismatchBody struct{ io.ReadCloser }

func (d digestMismatchBody) Read(p []byte) (int, error) {
	n, err := d.ReadCloser.Read(p)
	if err != nil && err != io.EOF && strings.Contains(err.Error(), "digest mismatch") {
		err = api.NewKindError(api.KindDigestMismatch, err)
	}
	return n, err
}

type gzipLayerBody struct {
	gz   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipLayerBody) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipLayerBody) Close() error {
	err := g.gz.Close()
	if cerr := g.body.Close(); err == nil {
		err = cerr
	}
	return err
}

type zstdLayerBody struct {
	zr   *zstd.Decoder
	body io.ReadCloser
}

func (z *zstdLayerBody) Read(p []byte) (int, error) { return z.zr.Read(p) }
func (z *zstdLayerBody) Close() error {
	z.zr.Close()
	return z.body.Close()
}

// getWithRetry performs a GET with bounded exponential backoff, returning
// the fully-read body bytes and the negotiated media type.
func (r *registry) getWithRetry(ctx context.Context, url string, header http.Header) ([]byte, string, error) {
	var b []byte
	var mediaType string
	err := withRetry(ctx, func() error {
		body, mt, err := r.httpClient.Get(ctx, url, header)
		if err != nil {
			return err
		}
		defer body.Close() //nolint
		b, err = io.ReadAll(body)
		mediaType = mt
		return err
	})
	return b, mediaType, err
}

// withRetry retries fn with exponential backoff per spec.md §4.1 (up to 3
// retries after the first attempt, base 500ms, factor 2) for 5xx, 429 and
// transport errors; anything else is permanent. Grounded on github.com/cenkalti/backoff/v4, already present in
// the wider example corpus's dependency set.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func isRetryable(err error) bool {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		return false
	}
	if strings.Contains(err.Error(), "digest mismatch") {
		return false
	}
	// anything else (dial errors, timeouts, connection resets) is a
	// transport-level failure worth retrying.
	return true
}

func classifyManifestError(err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusNotFound:
			return api.NewKindError(api.KindReferenceNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return api.NewKindError(api.KindAuth, err)
		}
		return api.NewKindError(api.KindIO, err)
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		return api.NewKindError(api.KindAuth, err)
	}
	return api.NewKindError(api.KindIO, err)
}

func classifyBlobError(err error) error {
	if strings.Contains(err.Error(), "digest mismatch") {
		return api.NewKindError(api.KindDigestMismatch, err)
	}
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return api.NewKindError(api.KindReferenceNotFound, err)
	}
	return classifyManifestError(err)
}

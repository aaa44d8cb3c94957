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

package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	urlpkg "net/url"

	"github.com/opencontainers/go-digest"
)

// HTTPClient is a convenience wrapper for http.Client that consolidates common logic.
type HTTPClient interface {
	// Get returns the body and media type of the URL using the provided context. The caller must close the body.
	//
	// This is optimized for easy content negotiation. Hence, the returned mediaType is stripped of qualifiers.
	// Ex. "Content-Type: application/json; charset=utf-8" will return mediaType "application/json"
	Get(ctx context.Context, url string, header http.Header) (body io.ReadCloser, mediaType string, err error)
	// GetJSON is a convenience function that calls json.Unmarshal after Get.
	GetJSON(ctx context.Context, url string, accept string, v interface{}) error
	// GetStream is like Get, but for large blobs: the caller streams the
	// returned body directly to a scratch file or decompressor rather than
	// buffering it, and if wantDigest is non-empty, a Read that reaches the
	// end of the body checks the bytes actually read against it, returning
	// an error instead of io.EOF on mismatch.
	GetStream(ctx context.Context, url string, header http.Header, wantDigest digest.Digest) (body io.ReadCloser, err error)
}

type httpClient struct{ client http.Client }

// New returns a client that sends every request through transport; any
// authentication is up to transport. Use ContextWithTransport when testing.
func New(transport http.RoundTripper) HTTPClient {
	return &httpClient{client: http.Client{Transport: transport}}
}

// StatusError is returned by Get/GetJSON/GetStream when the server responds
// with a non-200 status, so callers can distinguish 404 (terminal,
// reference-not-found) from 5xx (retryable) per spec.md §4.1/§7 without
// parsing the error string.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received %v status code from %q", e.StatusCode, e.URL)
}

// Retryable reports whether the server status warrants a retry: 5xx and 429.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ProxyTransport returns an *http.Transport honoring HTTP_PROXY, HTTPS_PROXY
// and NO_PROXY per spec.md §6. Intended as the Base of an
// registry/auth.RoundTripper, which itself implements the bearer-challenge
// flow rather than proxying.
func ProxyTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = http.ProxyFromEnvironment
	return t
}

type contextClientTransportKey struct{}

// TransportFromContext returns an http.RoundTripper for use as http.Client Transport from the context, or http.DefaultTransport if none was set
func TransportFromContext(ctx context.Context) http.RoundTripper {
	if v, ok := ctx.Value(contextClientTransportKey{}).(http.RoundTripper); ok {
		return v
	}
	return http.DefaultTransport
}

// ContextWithTransport returns a context with a http.RoundTripper for use as http.Client Transport
func ContextWithTransport(ctx context.Context, transport http.RoundTripper) context.Context {
	return context.WithValue(ctx, contextClientTransportKey{}, transport)
}

func (h *httpClient) Get(ctx context.Context, url string, header http.Header) (io.ReadCloser, string, error) {
	u, err := urlpkg.Parse(url)
	if err != nil {
		return nil, "", err
	}

	hdr := http.Header{}
	if len(header) > 0 {
		hdr = header.Clone()
	}
	hdr.Set("User-Agent", "") // don't add implicit User-Agent
	req := &http.Request{Method: http.MethodGet, URL: u, Header: hdr}
	res, err := h.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, "", err
	}

	if res.StatusCode != http.StatusOK {
		res.Body.Close() //nolint
		return nil, "", &StatusError{URL: url, StatusCode: res.StatusCode}
	}

	contentType := res.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType) // strip qualifiers
	return res.Body, mediaType, nil
}

func (h *httpClient) GetStream(ctx context.Context, url string, header http.Header, wantDigest digest.Digest) (io.ReadCloser, error) {
	body, _, err := h.Get(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if wantDigest == "" {
		return body, nil
	}
	return &digestVerifyingBody{body: body, verifier: wantDigest.Verifier(), want: wantDigest}, nil
}

// digestVerifyingBody tees every byte read through a digest.Verifier, and
// once the wrapped body reports io.EOF, substitutes a digest-mismatch error
// for that EOF if the bytes read don't hash to want. A caller that never
// reads to EOF (e.g. it errors or cancels first) never gets a verification
// verdict, same as a network digest check never runs on a short read.
type digestVerifyingBody struct {
	body     io.ReadCloser
	verifier digest.Verifier
	want     digest.Digest
}

func (d *digestVerifyingBody) Read(p []byte) (int, error) {
	n, err := d.body.Read(p)
	if n > 0 {
		_, _ = d.verifier.Write(p[:n])
	}
	if err == io.EOF && !d.verifier.Verified() {
		return n, fmt.Errorf("digest mismatch: expected %s", d.want)
	}
	return n, err
}

func (d *digestVerifyingBody) Close() error { return d.body.Close() }

func (h *httpClient) GetJSON(ctx context.Context, url, accept string, v interface{}) error {
	header := http.Header{}
	header.Add("Accept", accept)
	body, _, err := h.Get(ctx, url, header)
	if err != nil {
		return err // wrapping doesn't help on this branch
	}
	defer body.Close()         //nolint
	b, err := io.ReadAll(body) // fully read the response
	if err != nil {
		return err
	}
	if err = json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("error unmarshalling %v: %w", v, err)
	}
	return nil
}

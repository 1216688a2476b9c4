// Copyright 2026 The Armored OTA authors. All Rights Reserved.
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

// Package transfer downloads firmware images and their detached signatures
// from the update server.
//
// Requests are made over TLS to servers whose certificate chains to a single
// pinned root, carry the device API key, and never follow redirects.
package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/machinebox/progress"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"go.mercari.io/go-dnscache"
	"k8s.io/klog/v2"
)

const (
	// APIKeyHeader carries the device API key.
	APIKeyHeader = "x-api-key"
	// DefaultChunkSize is the size of reads from the firmware response body.
	DefaultChunkSize = 1024
	// DefaultMaxSignatureSize bounds the in-memory signature buffer.
	DefaultMaxSignatureSize = 64 << 10
	// DefaultTimeout is the deadline applied to each request.
	DefaultTimeout = 5 * time.Minute

	contentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrAuth indicates the server rejected our credentials (401 or 403).
	ErrAuth = errors.New("authentication failed")
	// ErrRedirect indicates the server attempted to redirect the request.
	ErrRedirect = errors.New("redirect refused")
	// ErrStatus indicates any other unacceptable HTTP status.
	ErrStatus = errors.New("unexpected http status")
	// ErrLength indicates a missing, invalid or violated content length.
	ErrLength = errors.New("content length mismatch")
	// ErrInsecure indicates a URL which does not use https.
	ErrInsecure = errors.New("refusing non-https URL")
)

// Error describes a failed transfer.
type Error struct {
	// URL is the resource being fetched.
	URL string
	// StatusCode is the HTTP status received, or zero if there was no response.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer of %q failed (HTTP %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer of %q failed: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// Options configures a Client.
type Options struct {
	// APIKey is sent with every request.
	APIKey string
	// RootCAs is the pinned set of roots server certificates must chain to.
	RootCAs *x509.CertPool
	// Timeout is the deadline for each request, including reading the body.
	Timeout time.Duration
	// ChunkSize is the size of reads from the firmware body.
	ChunkSize int
	// MaxSignatureSize bounds the accepted signature length.
	MaxSignatureSize int64
	// Now, if set, is used as the current time when validating certificates.
	Now func() time.Time
	// Resolver, if set, caches DNS lookups for outbound connections.
	Resolver *dnscache.Resolver
	// LogProgress enables periodic download progress logging.
	LogProgress bool
}

// Client fetches update artifacts.
type Client struct {
	hc   *http.Client
	opts Options
}

// New returns a Client configured by opts.
func New(opts Options) (*Client, error) {
	if opts.RootCAs == nil {
		return nil, errors.New("a pinned root certificate is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxSignatureSize <= 0 {
		opts.MaxSignatureSize = DefaultMaxSignatureSize
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dial := dialer.DialContext
	if opts.Resolver != nil {
		dial = dnscache.DialFunc(opts.Resolver, dial)
	}
	tr := &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			RootCAs:    opts.RootCAs,
			MinVersion: tls.VersionTLS12,
			Time:       opts.Now,
		},
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}
	return &Client{
		hc: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts: opts,
	}, nil
}

// NewRootPool returns a pool holding the PEM certificates in b.
func NewRootPool(b []byte) (*x509.CertPool, error) {
	p := x509.NewCertPool()
	if !p.AppendCertsFromPEM(b) {
		return nil, errors.New("no certificates found in root PEM")
	}
	return p, nil
}

// Outcome is the result of a successful Fetch.
type Outcome struct {
	// Size is the number of firmware bytes written to Sink.
	Size int64
	// Signature is the detached signature.
	Signature []byte
	// Sink holds the firmware image.
	Sink staging.Sink
}

// Fetch downloads the firmware described by d into sink, followed by its
// signature. On failure the sink is aborted.
func (c *Client) Fetch(ctx context.Context, d firmware.Descriptor, sink staging.Sink) (*Outcome, error) {
	n, err := c.FetchFirmware(ctx, d.FirmwareURL, sink)
	if err != nil {
		return nil, err
	}
	sig, err := c.FetchSignature(ctx, d.SignatureURL)
	if err != nil {
		sink.Abort()
		return nil, err
	}
	return &Outcome{Size: n, Signature: sig, Sink: sink}, nil
}

// get issues the request and validates the response status. The returned
// cancel func must be called once the body has been consumed.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, context.CancelFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, &Error{URL: rawURL, Err: err}
	}
	if u.Scheme != "https" {
		return nil, nil, &Error{URL: rawURL, Err: ErrInsecure}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, nil, &Error{URL: rawURL, Err: err}
	}
	req.Header.Set(APIKeyHeader, c.opts.APIKey)
	req.Header.Set("Accept", contentTypeOctetStream)

	resp, err := c.hc.Do(req)
	if err != nil {
		cancel()
		return nil, nil, &Error{URL: rawURL, Err: err}
	}
	var sErr error
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, cancel, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		sErr = ErrAuth
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		sErr = fmt.Errorf("%w to %q", ErrRedirect, resp.Header.Get("Location"))
	default:
		sErr = fmt.Errorf("%w %q", ErrStatus, resp.Status)
	}
	closeBody(resp)
	cancel()
	return nil, nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: sErr}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		klog.Errorf("resp.Body.Close(): %v", err)
	}
}

// FetchFirmware streams the body at rawURL into sink in bounded chunks and
// returns the number of bytes written. The sink is aborted on failure.
func (c *Client) FetchFirmware(ctx context.Context, rawURL string, sink staging.Sink) (int64, error) {
	resp, cancel, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer cancel()
	defer closeBody(resp)

	fail := func(err error) (int64, error) {
		sink.Abort()
		return 0, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}

	declared := resp.ContentLength
	if declared == 0 {
		return fail(fmt.Errorf("%w: server declared an empty body", ErrLength))
	}
	if err := sink.Begin(declared); err != nil {
		return fail(err)
	}

	pr := progress.NewReader(resp.Body)
	if c.opts.LogProgress && declared > 0 {
		tctx, tcancel := context.WithCancel(ctx)
		defer tcancel()
		go func() {
			for p := range progress.NewTicker(tctx, pr, declared, 1*time.Second) {
				klog.Infof("Downloading %q: %d%%, %v remaining...", rawURL, int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}

	buf := make([]byte, c.opts.ChunkSize)
	var total int64
	for {
		n, rErr := pr.Read(buf)
		if n > 0 {
			if err := sink.WriteChunk(buf[:n]); err != nil {
				return fail(fmt.Errorf("writing chunk at offset %d: %w", total, err))
			}
			total += int64(n)
		}
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			return fail(fmt.Errorf("read after %d bytes: %w", total, rErr))
		}
	}
	if declared > 0 && total != declared {
		return fail(fmt.Errorf("%w: received %d bytes, declared %d", ErrLength, total, declared))
	}
	if err := sink.End(); err != nil {
		return fail(err)
	}
	klog.Infof("Downloaded %q: %d bytes", rawURL, total)
	return total, nil
}

// FetchSignature reads the body at rawURL into memory. The server must declare
// the body length, which must not exceed the configured maximum.
func (c *Client) FetchSignature(ctx context.Context, rawURL string) ([]byte, error) {
	resp, cancel, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer closeBody(resp)

	declared := resp.ContentLength
	if declared <= 0 || declared > c.opts.MaxSignatureSize {
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: declared signature length %d outside (0, %d]", ErrLength, declared, c.opts.MaxSignatureSize)}
	}
	sig := make([]byte, declared)
	if n, err := io.ReadFull(resp.Body, sig); err != nil {
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read %d of %d bytes: %v", ErrLength, n, declared, err)}
	}
	klog.V(1).Infof("Downloaded signature %q: %d bytes", rawURL, declared)
	return sig, nil
}

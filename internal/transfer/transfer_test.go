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

package transfer

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"github.com/transparency-dev/armored-ota/internal/storage/testonly"
)

const testAPIKey = "s3cr3t"

var (
	testImage = bytes.Repeat([]byte("0123456789abcdef"), 300)
	testSig   = bytes.Repeat([]byte{0xee}, 256)
)

// serveFixed writes b with an explicit Content-Length.
func serveFixed(b []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.Write(b)
	}
}

// serveChunked writes b without declaring its length.
func serveChunked(b []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		half := len(b) / 2
		w.Write(b[:half])
		w.(http.Flusher).Flush()
		w.Write(b[half:])
	}
}

// serveTruncated declares len(b) bytes but only sends half of them.
func serveTruncated(b []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.Write(b[:len(b)/2])
	}
}

func serveStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

type testServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		if got := r.Header.Get(APIKeyHeader); got != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got, want := r.Header.Get("Accept"), "application/octet-stream"; got != want {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		h, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ts.Certificate())
	return p
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func newBanks(t *testing.T) *bank.Manager {
	t.Helper()
	geo := bank.Geometry{SelectorLength: 2, BankLength: 64}
	m, err := bank.NewManager(testonly.NewMemDev(t, geo.Blocks()), geo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func newSink(t *testing.T, backend staging.Backend, m *bank.Manager) staging.Sink {
	t.Helper()
	s, err := staging.New(staging.Options{Backend: backend, Dir: t.TempDir()}, m, m.Bank(bank.B))
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetch(t *testing.T) {
	for _, test := range []struct {
		name     string
		backend  staging.Backend
		firmware http.HandlerFunc
		sig      http.HandlerFunc
		apiKey   string
		wantErr  error
		wantAuth bool
	}{
		{name: "stream", backend: staging.Stream, firmware: serveFixed(testImage), sig: serveFixed(testSig)},
		{name: "file", backend: staging.File, firmware: serveFixed(testImage), sig: serveFixed(testSig)},
		{name: "file accepts unknown length", backend: staging.File, firmware: serveChunked(testImage), sig: serveFixed(testSig)},
		{name: "stream requires length", backend: staging.Stream, firmware: serveChunked(testImage), sig: serveFixed(testSig), wantErr: staging.ErrLength},
		{name: "stream truncated", backend: staging.Stream, firmware: serveTruncated(testImage), sig: serveFixed(testSig), wantErr: io.ErrUnexpectedEOF},
		{name: "file truncated", backend: staging.File, firmware: serveTruncated(testImage), sig: serveFixed(testSig), wantErr: io.ErrUnexpectedEOF},
		{name: "empty firmware", backend: staging.File, firmware: serveFixed(nil), sig: serveFixed(testSig), wantErr: ErrLength},
		{name: "partial content accepted", backend: staging.Stream, firmware: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(testImage)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(testImage)
		}, sig: serveFixed(testSig)},
		{name: "bad api key", backend: staging.Stream, apiKey: "wrong", firmware: serveFixed(testImage), sig: serveFixed(testSig), wantErr: ErrAuth, wantAuth: true},
		{name: "forbidden", backend: staging.Stream, firmware: serveStatus(http.StatusForbidden), sig: serveFixed(testSig), wantErr: ErrAuth, wantAuth: true},
		{name: "not found", backend: staging.Stream, firmware: serveStatus(http.StatusNotFound), sig: serveFixed(testSig), wantErr: ErrStatus},
		{name: "server error", backend: staging.File, firmware: serveStatus(http.StatusInternalServerError), sig: serveFixed(testSig), wantErr: ErrStatus},
		{name: "signature unauthorised", backend: staging.Stream, firmware: serveFixed(testImage), sig: serveStatus(http.StatusUnauthorized), wantErr: ErrAuth, wantAuth: true},
		{name: "signature without length", backend: staging.Stream, firmware: serveFixed(testImage), sig: serveChunked(testSig), wantErr: ErrLength},
		{name: "signature truncated", backend: staging.Stream, firmware: serveFixed(testImage), sig: serveTruncated(testSig), wantErr: ErrLength},
		{name: "signature too large", backend: staging.Stream, firmware: serveFixed(testImage), sig: serveFixed(make([]byte, DefaultMaxSignatureSize+1)), wantErr: ErrLength},
	} {
		t.Run(test.name, func(t *testing.T) {
			ts := newTestServer(t, map[string]http.HandlerFunc{
				"/firmwares/1.2.3.bin":  test.firmware,
				"/signatures/1.2.3.sig": test.sig,
			})
			key := testAPIKey
			if test.apiKey != "" {
				key = test.apiKey
			}
			c := newClient(t, Options{APIKey: key, RootCAs: ts.pool(), Timeout: 10 * time.Second, LogProgress: true})
			m := newBanks(t)
			sink := newSink(t, test.backend, m)

			d := firmware.Descriptor{
				Version:      "1.2.3",
				FirmwareURL:  ts.URL + "/firmwares/1.2.3.bin",
				SignatureURL: ts.URL + "/signatures/1.2.3.sig",
			}
			out, err := c.Fetch(context.Background(), d, sink)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Fetch: got %v, want %v", err, test.wantErr)
			}
			if got := IsAuth(err); got != test.wantAuth {
				t.Fatalf("IsAuth(%v) = %t, want %t", err, got, test.wantAuth)
			}
			if test.wantErr != nil {
				var te *Error
				if !errors.As(err, &te) {
					t.Fatalf("Got error %T, want *Error", err)
				}
				// Nothing staged by a failed transfer may be installed or committed.
				if err := sink.Install(nil); err == nil {
					t.Fatal("Install succeeded after failed transfer")
				}
				if err := m.Commit(sink.Bank(), bank.Image{}); !errors.Is(err, bank.ErrIncomplete) {
					t.Fatalf("Commit after failed transfer: got %v, want %v", err, bank.ErrIncomplete)
				}
				return
			}

			if got, want := out.Size, int64(len(testImage)); got != want {
				t.Errorf("Got size %d, want %d", got, want)
			}
			if !bytes.Equal(out.Signature, testSig) {
				t.Errorf("Got signature %x, want %x", out.Signature, testSig)
			}
			r, err := out.Sink.Open()
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, testImage) {
				t.Fatal("Staged image differs from served image")
			}
		})
	}
}

func TestRedirectNotFollowed(t *testing.T) {
	var target *testServer
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/fw": func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, target.URL+"/fw", http.StatusFound)
		},
	})
	target = newTestServer(t, map[string]http.HandlerFunc{"/fw": serveFixed(testImage)})

	c := newClient(t, Options{APIKey: testAPIKey, RootCAs: ts.pool()})
	sink := newSink(t, staging.Stream, newBanks(t))
	_, err := c.FetchFirmware(context.Background(), ts.URL+"/fw", sink)
	if !errors.Is(err, ErrRedirect) {
		t.Fatalf("FetchFirmware: got %v, want %v", err, ErrRedirect)
	}
	if got := target.requests.Load(); got != 0 {
		t.Fatalf("Redirect target received %d requests", got)
	}
}

func TestTLS(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{"/fw": serveFixed(testImage)})
	for _, test := range []struct {
		name    string
		opts    Options
		url     string
		wantErr bool
	}{
		{
			name: "pinned root",
			opts: Options{RootCAs: ts.pool()},
			url:  ts.URL + "/fw",
		}, {
			name:    "unknown root",
			opts:    Options{RootCAs: x509.NewCertPool()},
			url:     ts.URL + "/fw",
			wantErr: true,
		}, {
			name: "clock far in the future",
			opts: Options{RootCAs: ts.pool(), Now: func() time.Time {
				return time.Date(2200, time.January, 1, 0, 0, 0, 0, time.UTC)
			}},
			url:     ts.URL + "/fw",
			wantErr: true,
		}, {
			name:    "plain http",
			opts:    Options{RootCAs: ts.pool()},
			url:     "http://" + ts.Listener.Addr().String() + "/fw",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			test.opts.APIKey = testAPIKey
			c := newClient(t, test.opts)
			sink := newSink(t, staging.File, newBanks(t))
			_, err := c.FetchFirmware(context.Background(), test.url, sink)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("FetchFirmware: %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestRequestDeadline(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/fw": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	defer close(release)

	c := newClient(t, Options{APIKey: testAPIKey, RootCAs: ts.pool(), Timeout: 100 * time.Millisecond})
	sink := newSink(t, staging.Stream, newBanks(t))
	if _, err := c.FetchFirmware(context.Background(), ts.URL+"/fw", sink); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("FetchFirmware: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New succeeded without a pinned root")
	}
	if _, err := NewRootPool([]byte("not a certificate")); err == nil {
		t.Fatal("NewRootPool succeeded without certificates")
	}
}

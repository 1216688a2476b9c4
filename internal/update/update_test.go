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

package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"github.com/transparency-dev/armored-ota/internal/storage/kv"
	"github.com/transparency-dev/armored-ota/internal/storage/testonly"
	"github.com/transparency-dev/armored-ota/internal/transfer"
	"github.com/transparency-dev/armored-ota/internal/verify"
	"github.com/transparency-dev/armored-ota/internal/version"
)

var (
	testGeo   = bank.Geometry{Start: 0, SelectorLength: 2, BankLength: 64}
	testImage = bytes.Repeat([]byte("new firmware "), 400)
	goodSig   = []byte("good signature")
)

func checksum(b []byte) string {
	d := sha256.Sum256(b)
	return hex.EncodeToString(d[:])
}

func trigger(t *testing.T, v, sum string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		firmware.FieldVersion:      v,
		firmware.FieldFirmwareURL:  "https://updates.example.com/firmwares/" + v + ".bin",
		firmware.FieldSignatureURL: "https://updates.example.com/signatures/" + v + ".sig",
		firmware.FieldChecksum:     sum,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// memKV is an in-memory version.KV.
type memKV struct {
	mu      sync.Mutex
	m       map[string]string
	failSet bool
}

func (k *memKV) Get(_ context.Context, ns, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[ns+"/"+key]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (k *memKV) Set(_ context.Context, ns, key, v string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failSet {
		return errors.New("nvs commit failed")
	}
	if k.m == nil {
		k.m = make(map[string]string)
	}
	k.m[ns+"/"+key] = v
	return nil
}

// fakeFetcher writes image into the sink in 1 KiB chunks.
type fakeFetcher struct {
	image []byte
	sig   []byte
	// cut, if positive, stops the transfer after that many bytes.
	cut   int
	err   error
	calls int
	// gate, if set, blocks Fetch until it is closed.
	gate chan struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ firmware.Descriptor, sink staging.Sink) (*transfer.Outcome, error) {
	f.calls++
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	fail := func(err error) (*transfer.Outcome, error) {
		sink.Abort()
		return nil, err
	}
	if err := sink.Begin(int64(len(f.image))); err != nil {
		return fail(err)
	}
	img := f.image
	if f.cut > 0 {
		img = img[:f.cut]
	}
	for len(img) > 0 {
		n := min(1024, len(img))
		if err := sink.WriteChunk(img[:n]); err != nil {
			return fail(err)
		}
		img = img[n:]
	}
	if f.cut > 0 {
		return fail(&transfer.Error{URL: "https://updates.example.com/", StatusCode: 200, Err: io.ErrUnexpectedEOF})
	}
	if err := sink.End(); err != nil {
		return fail(err)
	}
	return &transfer.Outcome{Size: int64(len(f.image)), Signature: f.sig, Sink: sink}, nil
}

// sigAnchor accepts only goodSig, and counts the checks made.
type sigAnchor struct {
	calls int
}

func (a *sigAnchor) CheckDigest(_, sig []byte) error {
	a.calls++
	if !bytes.Equal(sig, goodSig) {
		return errors.New("bad signature")
	}
	return nil
}

func (a *sigAnchor) String() string { return "test anchor" }

type env struct {
	u       *Updater
	banks   *bank.Manager
	dev     *testonly.MemDev
	kv      *memKV
	store   *version.Store
	fetcher *fakeFetcher
	anchor  *sigAnchor
	metrics *Metrics
}

func newEnv(t *testing.T, backend staging.Backend) *env {
	t.Helper()
	dev := testonly.NewMemDev(t, testGeo.Blocks())
	m, err := bank.NewManager(dev, testGeo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	e := &env{
		banks:   m,
		dev:     dev,
		kv:      &memKV{},
		fetcher: &fakeFetcher{image: testImage, sig: goodSig},
		anchor:  &sigAnchor{},
		metrics: NewMetrics(nil),
	}
	e.store = version.NewStore(e.kv, "", "")
	e.u, err = New(Options{
		Versions: e.store,
		Fetcher:  e.fetcher,
		Verifier: verify.New(e.anchor),
		Banks:    m,
		Staging:  staging.Options{Backend: backend, Dir: t.TempDir()},
		Metrics:  e.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func (e *env) runningVersion(t *testing.T) string {
	t.Helper()
	v, err := e.store.Get(context.Background(), DefaultVersion)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v
}

func (e *env) selection(t *testing.T) bank.Selection {
	t.Helper()
	s, err := e.banks.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	return s
}

func TestHandle(t *testing.T) {
	flipped := bytes.Clone(testImage)
	flipped[100] ^= 0x80

	for _, backend := range []staging.Backend{staging.Stream, staging.File} {
		for _, test := range []struct {
			name      string
			payload   func(t *testing.T) []byte
			setup     func(e *env)
			wantErr   error
			wantState State
			// wantFetch is the number of transfers expected.
			wantFetch int
			// wantSigChecks is the number of signature checks expected.
			wantSigChecks int
		}{
			{
				name:          "applied",
				payload:       func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				wantState:     Done,
				wantFetch:     1,
				wantSigChecks: 1,
			},
			{
				name: "uppercase checksum",
				payload: func(t *testing.T) []byte {
					return trigger(t, "2", fmt.Sprintf("%X", sha256.Sum256(testImage)))
				},
				wantState:     Done,
				wantFetch:     1,
				wantSigChecks: 1,
			},
			{
				name: "missing checksum",
				payload: func(*testing.T) []byte {
					return []byte(`{"version": "1.1.0", "firmware_url": "https://a/b", "signature_url": "https://a/c"}`)
				},
				wantErr:   &firmware.ParseError{},
				wantState: Failed,
			},
			{
				name:      "malformed version",
				payload:   func(t *testing.T) []byte { return trigger(t, "1.x.0", checksum(testImage)) },
				wantErr:   version.ErrMalformed,
				wantState: Failed,
			},
			{
				name:      "same version",
				payload:   func(t *testing.T) []byte { return trigger(t, "1.0.0", checksum(testImage)) },
				wantErr:   ErrNotNewer,
				wantState: Done,
			},
			{
				name:      "older version",
				payload:   func(t *testing.T) []byte { return trigger(t, "0.9.9", checksum(testImage)) },
				wantErr:   ErrNotNewer,
				wantState: Done,
			},
			{
				name:      "transfer refused",
				payload:   func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				setup:     func(e *env) { e.fetcher.err = &transfer.Error{StatusCode: 401, Err: transfer.ErrAuth} },
				wantErr:   transfer.ErrAuth,
				wantState: Failed,
				wantFetch: 1,
			},
			{
				name:      "transfer truncated",
				payload:   func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				setup:     func(e *env) { e.fetcher.cut = 2000 },
				wantErr:   io.ErrUnexpectedEOF,
				wantState: Failed,
				wantFetch: 1,
			},
			{
				name:      "checksum mismatch",
				payload:   func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				setup:     func(e *env) { e.fetcher.image = flipped },
				wantErr:   verify.ErrChecksumMismatch,
				wantState: Failed,
				wantFetch: 1,
			},
			{
				name:          "signature invalid",
				payload:       func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				setup:         func(e *env) { e.fetcher.sig = []byte("random bytes!!") },
				wantErr:       verify.ErrSignatureInvalid,
				wantState:     Failed,
				wantFetch:     1,
				wantSigChecks: 1,
			},
			{
				name:    "boot selector write fails",
				payload: func(t *testing.T) []byte { return trigger(t, "1.1.0", checksum(testImage)) },
				setup: func(e *env) {
					e.dev.FailWrite = func(lba uint) error {
						if lba < testGeo.Start+testGeo.SelectorLength {
							return errors.New("bad block")
						}
						return nil
					}
				},
				wantErr:       bank.ErrCommit,
				wantState:     Failed,
				wantFetch:     1,
				wantSigChecks: 1,
			},
		} {
			t.Run(fmt.Sprintf("%s/%s", backend, test.name), func(t *testing.T) {
				e := newEnv(t, backend)
				if test.setup != nil {
					test.setup(e)
				}
				res, err := e.u.Handle(context.Background(), test.payload(t))

				switch want := test.wantErr.(type) {
				case nil:
					if err != nil {
						t.Fatalf("Handle: %v", err)
					}
				case *firmware.ParseError:
					var pErr *firmware.ParseError
					if !errors.As(err, &pErr) {
						t.Fatalf("Handle: got %v, want ParseError", err)
					}
				default:
					if !errors.Is(err, want) {
						t.Fatalf("Handle: got %v, want %v", err, want)
					}
				}
				if res.State != test.wantState {
					t.Errorf("State: got %v, want %v", res.State, test.wantState)
				}
				if got := e.u.Status().State; got != test.wantState {
					t.Errorf("Status().State: got %v, want %v", got, test.wantState)
				}
				if e.fetcher.calls != test.wantFetch {
					t.Errorf("Fetch called %d times, want %d", e.fetcher.calls, test.wantFetch)
				}
				if e.anchor.calls != test.wantSigChecks {
					t.Errorf("Signature checked %d times, want %d", e.anchor.calls, test.wantSigChecks)
				}

				sel := e.selection(t)
				if test.wantErr != nil {
					if res.Restart {
						t.Error("Restart requested after unsuccessful attempt")
					}
					if diff := cmp.Diff(bank.Selection{Bank: bank.A}, sel); diff != "" {
						t.Errorf("Boot selector changed (-want +got):\n%s", diff)
					}
					if got, want := e.runningVersion(t), DefaultVersion; got != want {
						t.Errorf("Running version %q, want %q", got, want)
					}
					return
				}

				d, err := firmware.ParseDescriptor(test.payload(t))
				if err != nil {
					t.Fatal(err)
				}
				want := Result{
					State:        Done,
					Version:      d.Version,
					Previous:     DefaultVersion,
					Bank:         bank.B,
					Restart:      true,
					RestartAfter: DefaultRestartDelay,
				}
				if diff := cmp.Diff(want, res); diff != "" {
					t.Errorf("Result diff (-want +got):\n%s", diff)
				}
				if sel.Bank != bank.B || sel.Version != d.Version || sel.Digest != checksum(testImage) || sel.Size != int64(len(testImage)) {
					t.Errorf("Boot selector %+v does not describe the new image", sel)
				}
				if got := e.runningVersion(t); got != d.Version {
					t.Errorf("Running version %q, want %q", got, d.Version)
				}
				r, err := e.banks.Reader(e.banks.Bank(bank.B), sel.Size)
				if err != nil {
					t.Fatal(err)
				}
				got, err := io.ReadAll(r)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, testImage) {
					t.Error("Bank B holds a different image")
				}
			})
		}
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, staging.Stream)
	if _, err := e.u.Handle(ctx, []byte("not json")); err == nil {
		t.Fatal("Handle accepted garbage")
	}
	if _, err := e.u.Handle(ctx, trigger(t, "1.0.0", checksum(testImage))); !errors.Is(err, ErrNotNewer) {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := e.u.Handle(ctx, trigger(t, "1.0.1", checksum(testImage))); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	for _, test := range []struct {
		name string
		got  float64
		want float64
	}{
		{name: "attempts", got: testutil.ToFloat64(e.metrics.attempts), want: 3},
		{name: "success", got: testutil.ToFloat64(e.metrics.success), want: 1},
		{name: "not newer", got: testutil.ToFloat64(e.metrics.notNewer), want: 1},
		{name: "validating failures", got: testutil.ToFloat64(e.metrics.failures.WithLabelValues(Validating.String())), want: 1},
		{name: "in progress", got: testutil.ToFloat64(e.metrics.inProgress), want: 0},
	} {
		if test.got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, test.got, test.want)
		}
	}
}

func TestConcurrentTriggerRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, staging.Stream)
	e.fetcher.gate = make(chan struct{})
	e.fetcher.sig = []byte("forged")

	first, err := e.u.Start(ctx, trigger(t, "1.1.0", checksum(testImage)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.u.Status().Busy {
		t.Error("Status not busy while attempt in flight")
	}

	if _, err := e.u.Start(ctx, trigger(t, "1.2.0", checksum(testImage))); !errors.Is(err, ErrBusy) || errors.Is(err, ErrRestartPending) {
		t.Fatalf("Second Start: got %v, want %v", err, ErrBusy)
	}
	// A malformed trigger is rejected as busy too, without being parsed.
	if _, err := e.u.Handle(ctx, []byte("{")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Handle while busy: got %v, want %v", err, ErrBusy)
	}

	close(e.fetcher.gate)
	select {
	case a := <-first:
		if !errors.Is(a.Err, verify.ErrSignatureInvalid) {
			t.Fatalf("First attempt: got %v, want %v", a.Err, verify.ErrSignatureInvalid)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for first attempt")
	}
	if got := testutil.ToFloat64(e.metrics.busy); got != 2 {
		t.Errorf("Busy rejections: got %v, want 2", got)
	}
	if e.u.Status().Busy {
		t.Error("Status still busy after attempt finished")
	}

	// A failed attempt releases the guard.
	e.fetcher.sig = goodSig
	if _, err := e.u.Handle(ctx, trigger(t, "1.2.0", checksum(testImage))); err != nil {
		t.Fatalf("Handle after release: %v", err)
	}
	if sel := e.selection(t); sel.Bank != bank.B || sel.Version != "1.2.0" {
		t.Errorf("Boot selector %+v, want bank B running 1.2.0", sel)
	}
}

func TestTriggerAfterCommitRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, staging.File)
	res, err := e.u.Handle(ctx, trigger(t, "1.1.0", checksum(testImage)))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Restart || res.Bank != bank.B {
		t.Fatalf("Result %+v, want restart into bank B", res)
	}

	for _, v := range []string{"1.2.0", "1.1.0", "0.1.0"} {
		t.Run(v, func(t *testing.T) {
			_, err := e.u.Handle(ctx, trigger(t, v, checksum(testImage)))
			if !errors.Is(err, ErrRestartPending) {
				t.Fatalf("Handle: got %v, want %v", err, ErrRestartPending)
			}
			if !errors.Is(err, ErrBusy) {
				t.Errorf("Handle: %v does not wrap %v", err, ErrBusy)
			}
		})
	}

	// Bank A still holds the running firmware and must not have been touched.
	if e.fetcher.calls != 1 {
		t.Errorf("Fetch called %d times, want 1", e.fetcher.calls)
	}
	if sel := e.selection(t); sel.Bank != bank.B || sel.Version != "1.1.0" {
		t.Errorf("Boot selector %+v, want bank B running 1.1.0", sel)
	}
	want := Status{State: Done, Candidate: "1.1.0", RestartPending: "1.1.0"}
	if diff := cmp.Diff(want, e.u.Status(), cmpopts.IgnoreFields(Status{}, "Started", "Finished")); diff != "" {
		t.Errorf("Status diff (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(e.metrics.busy); got != 3 {
		t.Errorf("Busy rejections: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(e.metrics.attempts); got != 1 {
		t.Errorf("Attempts: got %v, want 1", got)
	}
}

func TestStartNotCancelledByContext(t *testing.T) {
	e := newEnv(t, staging.Stream)
	e.fetcher.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	c, err := e.u.Start(ctx, trigger(t, "1.1.0", checksum(testImage)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	close(e.fetcher.gate)
	if a := <-c; a.Err != nil {
		t.Fatalf("Attempt: %v", a.Err)
	}
}

func TestVersionRecordFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, staging.Stream)
	if got := e.runningVersion(t); got != DefaultVersion {
		t.Fatalf("Running version %q", got)
	}
	e.kv.failSet = true
	res, err := e.u.Handle(ctx, trigger(t, "1.1.0", checksum(testImage)))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Restart {
		t.Error("Restart not requested after commit")
	}

	e.kv.failSet = false
	if got := e.runningVersion(t); got != DefaultVersion {
		t.Fatalf("Running version %q, want stale %q", got, DefaultVersion)
	}
	v, err := e.u.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if v != "1.1.0" || e.runningVersion(t) != "1.1.0" {
		t.Errorf("Reconcile = %q, record %q, want 1.1.0", v, e.runningVersion(t))
	}
}

func TestReconcileNoop(t *testing.T) {
	e := newEnv(t, staging.Stream)
	v, err := e.u.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if v != DefaultVersion {
		t.Errorf("Reconcile = %q, want %q", v, DefaultVersion)
	}
}

func TestNewValidation(t *testing.T) {
	e := newEnv(t, staging.Stream)
	base := Options{Versions: e.store, Fetcher: e.fetcher, Verifier: verify.New(e.anchor), Banks: e.banks}
	for _, test := range []struct {
		name string
		mod  func(o *Options)
	}{
		{name: "no versions", mod: func(o *Options) { o.Versions = nil }},
		{name: "no banks", mod: func(o *Options) { o.Banks = nil }},
		{name: "bad default", mod: func(o *Options) { o.DefaultVersion = "one" }},
		{name: "bad backend", mod: func(o *Options) { o.Staging.Backend = "tape" }},
	} {
		t.Run(test.name, func(t *testing.T) {
			o := base
			test.mod(&o)
			if _, err := New(o); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestStateString(t *testing.T) {
	var got []string
	for s := Idle; s <= Failed; s++ {
		got = append(got, s.String())
	}
	want := []string{"Idle", "Validating", "CheckingVersion", "Transferring", "Verifying", "Committing", "Done", "Failed"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

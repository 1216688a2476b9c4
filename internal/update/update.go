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

// Package update drives a single firmware update attempt from trigger
// document to boot selector commit.
//
// An attempt moves through the states
//
//	Idle -> Validating -> CheckingVersion -> Transferring -> Verifying -> Committing -> Done
//
// and ends in Failed on the first error. The boot selector is only written
// once the staged image has been fully verified, so a failed attempt never
// changes which firmware the device boots.
package update

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"github.com/transparency-dev/armored-ota/internal/transfer"
	"github.com/transparency-dev/armored-ota/internal/version"
	"k8s.io/klog/v2"
)

const (
	// DefaultVersion is assumed for the running firmware when none is recorded.
	DefaultVersion = "1.0.0"
	// DefaultRestartDelay is the grace period between a successful update and
	// the restart into the new firmware.
	DefaultRestartDelay = 3 * time.Second
)

var (
	// ErrBusy is returned when a trigger arrives while an attempt is in flight.
	ErrBusy = errors.New("an update attempt is already in progress")
	// ErrRestartPending is returned when a trigger arrives after an update
	// has been committed but before the device restarted into it. It wraps
	// ErrBusy.
	ErrRestartPending = fmt.Errorf("%w: restart into committed firmware pending", ErrBusy)
	// ErrNotNewer reports that the candidate is not newer than the running
	// firmware. It is an outcome, not a failure.
	ErrNotNewer = errors.New("candidate firmware is not newer than the running firmware")
)

// State is a step of an update attempt.
type State int

const (
	Idle State = iota
	Validating
	CheckingVersion
	Transferring
	Verifying
	Committing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Validating:
		return "Validating"
	case CheckingVersion:
		return "CheckingVersion"
	case Transferring:
		return "Transferring"
	case Verifying:
		return "Verifying"
	case Committing:
		return "Committing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Error records the state in which an attempt failed.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("update failed in state %v: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// VersionStore holds the version of the running firmware.
type VersionStore interface {
	Get(ctx context.Context, def string) (string, error)
	Set(ctx context.Context, v string) error
}

// Fetcher downloads a firmware image into a sink, and its signature.
type Fetcher interface {
	Fetch(ctx context.Context, d firmware.Descriptor, sink staging.Sink) (*transfer.Outcome, error)
}

// Verifier checks a staged image against its expected checksum and signature,
// returning the image digest.
type Verifier interface {
	Verify(r io.Reader, expectedChecksum string, sig []byte) ([]byte, error)
}

// Banks manages the firmware banks and the boot selector.
type Banks interface {
	staging.Banks
	Active() (bank.Selection, error)
	NextUpdateBank() (bank.Bank, error)
	Commit(b bank.Bank, img bank.Image) error
}

// Options configures an Updater.
type Options struct {
	Versions VersionStore
	Fetcher  Fetcher
	Verifier Verifier
	Banks    Banks
	// Staging selects how downloaded images are staged.
	Staging staging.Options
	// DefaultVersion is recorded as the running version on first use.
	DefaultVersion string
	// RestartDelay is returned with successful results.
	RestartDelay time.Duration
	// Metrics receives attempt counters. A no-op set is used if nil.
	Metrics *Metrics
}

// Result is the outcome of an attempt which did not fail.
type Result struct {
	// State is the terminal state reached.
	State State
	// Version is the candidate version.
	Version string
	// Previous is the version running when the attempt started.
	Previous string
	// Bank is the bank the boot selector now points at, when Restart is set.
	Bank bank.ID
	// Restart is set when the device must restart, after RestartAfter, to run
	// the new firmware.
	Restart      bool
	RestartAfter time.Duration
}

// Attempt carries the result of an asynchronous attempt.
type Attempt struct {
	Result Result
	Err    error
}

// Status is a snapshot of the updater.
type Status struct {
	Busy bool
	// State is the state of the current attempt, or the terminal state of the
	// last one.
	State State
	// Candidate is the version named by the current or last trigger.
	Candidate string
	// LastError is the error which ended the last attempt, if any.
	LastError string
	// RestartPending is the version committed by the last attempt, until
	// the process restarts into it.
	RestartPending string
	Started        time.Time
	Finished  time.Time
}

// Updater runs update attempts, one at a time.
type Updater struct {
	opts Options
	m    *Metrics

	// running is held for the whole of an attempt, and is not released
	// after a commit: the selector then points at the bank the next update
	// would be staged into.
	running sync.Mutex

	mu     sync.Mutex
	status Status
}

// New returns an Updater configured by opts.
func New(opts Options) (*Updater, error) {
	if opts.Versions == nil || opts.Fetcher == nil || opts.Verifier == nil || opts.Banks == nil {
		return nil, errors.New("versions, fetcher, verifier and banks are all required")
	}
	if opts.DefaultVersion == "" {
		opts.DefaultVersion = DefaultVersion
	}
	if _, err := version.Parse(opts.DefaultVersion); err != nil {
		return nil, fmt.Errorf("invalid default version: %v", err)
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Staging.Backend != "" {
		if _, err := staging.ParseBackend(string(opts.Staging.Backend)); err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Updater{opts: opts, m: m}, nil
}

// Status returns a snapshot of the updater's state.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Updater) setState(s State) {
	u.mu.Lock()
	prev := u.status.State
	u.status.State = s
	u.mu.Unlock()
	klog.V(1).Infof("update: %v -> %v", prev, s)
}

// Handle runs an attempt for the trigger payload and waits for it to finish.
func (u *Updater) Handle(ctx context.Context, payload []byte) (Result, error) {
	c, err := u.Start(ctx, payload)
	if errors.Is(err, ErrBusy) {
		return Result{State: Idle}, err
	}
	if err != nil {
		return Result{State: Failed}, err
	}
	a := <-c
	return a.Result, a.Err
}

// Start validates the trigger payload and, if it is well formed, starts an
// attempt in a new goroutine whose outcome is delivered on the returned
// channel.
//
// ErrBusy is returned if an attempt is already in flight, ErrRestartPending
// if an earlier attempt committed an update the device has not restarted
// into yet, and a
// *firmware.ParseError (inside an *Error) if the payload is malformed. In
// both cases no attempt is started.
//
// Once started, an attempt is not cancelled by ctx; individual requests are
// bounded by the transfer timeout instead.
func (u *Updater) Start(ctx context.Context, payload []byte) (<-chan Attempt, error) {
	if !u.running.TryLock() {
		u.m.busy.Inc()
		if v := u.Status().RestartPending; v != "" {
			klog.Warningf("update: rejecting trigger, restart into %s pending", v)
			return nil, ErrRestartPending
		}
		klog.Warning("update: rejecting trigger, an attempt is already in progress")
		return nil, ErrBusy
	}
	u.m.attempts.Inc()
	u.m.inProgress.Set(1)

	u.mu.Lock()
	u.status = Status{Busy: true, State: Idle, Started: time.Now()}
	u.mu.Unlock()

	u.setState(Validating)
	d, err := firmware.ParseDescriptor(payload)
	if err != nil {
		u.finish(Result{State: Failed}, &Error{State: Validating, Err: err})
		return nil, &Error{State: Validating, Err: err}
	}
	u.mu.Lock()
	u.status.Candidate = d.Version
	u.mu.Unlock()
	klog.Infof("update: received trigger for %v", d)

	c := make(chan Attempt, 1)
	go func(ctx context.Context) {
		r, err := u.run(ctx, d)
		u.finish(r, err)
		c <- Attempt{Result: r, Err: err}
	}(context.WithoutCancel(ctx))
	return c, nil
}

// finish records the end of an attempt and releases the single-attempt guard,
// unless the attempt committed an update.
func (u *Updater) finish(r Result, err error) {
	var uErr *Error
	switch {
	case err == nil:
		u.m.success.Inc()
		klog.Infof("update: %v -> %s applied to bank %v", r.Previous, r.Version, r.Bank)
	case errors.Is(err, ErrNotNewer):
		u.m.notNewer.Inc()
		klog.Infof("update: %s is not newer than running %s, nothing to do", r.Version, r.Previous)
	case errors.As(err, &uErr):
		u.m.failures.WithLabelValues(uErr.State.String()).Inc()
		klog.Errorf("update: attempt failed in %v: %v", uErr.State, uErr.Err)
	default:
		u.m.failures.WithLabelValues(Failed.String()).Inc()
		klog.Errorf("update: attempt failed: %v", err)
	}

	u.mu.Lock()
	u.status.Busy = false
	u.status.State = r.State
	u.status.Finished = time.Now()
	u.status.LastError = ""
	if err != nil && !errors.Is(err, ErrNotNewer) {
		u.status.LastError = err.Error()
	}
	pending := err == nil && r.Restart
	if pending {
		u.status.RestartPending = r.Version
	}
	u.mu.Unlock()

	u.m.inProgress.Set(0)
	if pending {
		klog.Infof("update: further triggers rejected until restart into %s", r.Version)
		return
	}
	u.running.Unlock()
}

// run executes the attempt from CheckingVersion onwards.
func (u *Updater) run(ctx context.Context, d firmware.Descriptor) (Result, error) {
	res := Result{State: Failed, Version: d.Version}
	fail := func(s State, err error) (Result, error) {
		return res, &Error{State: s, Err: err}
	}

	u.setState(CheckingVersion)
	cur, err := u.opts.Versions.Get(ctx, u.opts.DefaultVersion)
	if err != nil {
		return fail(CheckingVersion, err)
	}
	res.Previous = cur
	newer, err := version.IsNewer(cur, d.Version)
	if err != nil {
		return fail(CheckingVersion, fmt.Errorf("comparing %q with running %q: %w", d.Version, cur, err))
	}
	if !newer {
		res.State = Done
		return res, ErrNotNewer
	}

	u.setState(Transferring)
	b, err := u.opts.Banks.NextUpdateBank()
	if err != nil {
		return fail(Transferring, fmt.Errorf("%w: %v", bank.ErrStorage, err))
	}
	sink, err := staging.New(u.opts.Staging, u.opts.Banks, b)
	if err != nil {
		return fail(Transferring, err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			klog.Warningf("update: failed to release staged image: %v", err)
		}
	}()
	out, err := u.opts.Fetcher.Fetch(ctx, d, sink)
	if err != nil {
		return fail(Transferring, err)
	}
	klog.Infof("update: staged %d bytes for bank %v", out.Size, b.ID)

	u.setState(Verifying)
	digest, err := u.verify(sink, d, out.Signature)
	if err != nil {
		sink.Abort()
		return fail(Verifying, err)
	}

	u.setState(Committing)
	if err := sink.Install(digest); err != nil {
		return fail(Committing, err)
	}
	img := bank.Image{Version: d.Version, Digest: hex.EncodeToString(digest)}
	if err := u.opts.Banks.Commit(b, img); err != nil {
		return fail(Committing, err)
	}
	// The boot selector is authoritative from here on; a stale version record
	// is repaired by Reconcile on the next start.
	if err := u.opts.Versions.Set(ctx, d.Version); err != nil {
		klog.Errorf("update: bank %v committed but version record not updated: %v", b.ID, err)
	}

	res.State = Done
	res.Bank = b.ID
	res.Restart = true
	res.RestartAfter = u.opts.RestartDelay
	return res, nil
}

func (u *Updater) verify(sink staging.Sink, d firmware.Descriptor, sig []byte) ([]byte, error) {
	r, err := sink.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bank.ErrStorage, err)
	}
	defer r.Close()
	return u.opts.Verifier.Verify(r, d.Checksum, sig)
}

// Reconcile brings the version record in line with the boot selector. This
// repairs the record if the device lost power between committing an image
// and recording its version.
func (u *Updater) Reconcile(ctx context.Context) (string, error) {
	cur, err := u.opts.Versions.Get(ctx, u.opts.DefaultVersion)
	if err != nil {
		return "", err
	}
	sel, err := u.opts.Banks.Active()
	if err != nil {
		return "", fmt.Errorf("%w: %v", bank.ErrStorage, err)
	}
	if sel.Version == "" {
		return cur, nil
	}
	newer, err := version.IsNewer(cur, sel.Version)
	if err != nil {
		return "", fmt.Errorf("comparing boot selector version %q with record %q: %w", sel.Version, cur, err)
	}
	if !newer {
		return cur, nil
	}
	klog.Warningf("update: version record %q behind boot selector %q (bank %v), repairing", cur, sel.Version, sel.Bank)
	if err := u.opts.Versions.Set(ctx, sel.Version); err != nil {
		return "", err
	}
	return sel.Version, nil
}

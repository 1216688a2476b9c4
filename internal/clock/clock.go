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

// Package clock provides a wall clock corrected against an NTP server.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/klog/v2"
)

const (
	// DefaultServer is used when no NTP server is configured.
	DefaultServer = "time.google.com"

	// coldInterval is the time between queries until a valid time is obtained.
	coldInterval = 10 * time.Second
	// warmInterval is the time between queries once synchronised.
	warmInterval = time.Hour
)

// NTP is a clock which applies the offset last reported by an NTP server to
// the local clock. Until the first successful query it reports local time.
type NTP struct {
	server string
	query  func(host string) (*ntp.Response, error)
	now    func() time.Time

	mu     sync.RWMutex
	offset time.Duration
	synced time.Time
}

// NewNTP returns a clock which synchronises against server.
func NewNTP(server string) *NTP {
	if server == "" {
		server = DefaultServer
	}
	return &NTP{
		server: server,
		query: func(host string) (*ntp.Response, error) {
			return ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: 5 * time.Second})
		},
		now: time.Now,
	}
}

// Now returns the corrected current time.
func (c *NTP) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Offset returns the last applied offset, and whether one has been applied.
func (c *NTP) Offset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, !c.synced.IsZero()
}

// Sync queries the server once and, if the response is valid, applies its
// clock offset.
func (c *NTP) Sync() error {
	r, err := c.query(c.server)
	if err != nil {
		return fmt.Errorf("failed to get NTP time from %q: %v", c.server, err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("got invalid time from NTP server %q: %v", c.server, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = r.ClockOffset
	c.synced = c.now()
	klog.V(1).Infof("NTP offset from %q: %v", c.server, r.ClockOffset)
	return nil
}

// Run synchronises periodically until ctx is done. The returned channel is
// closed once a valid time has first been obtained.
func (c *NTP) Run(ctx context.Context) <-chan struct{} {
	r := make(chan struct{})

	go func(ready chan struct{}) {
		// i is the interval between checking in with the NTP server.
		// Check more frequently until we have a time.
		i := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(i):
			}
			if err := c.Sync(); err != nil {
				klog.Errorf("%v", err)
				i = coldInterval
				continue
			}
			i = warmInterval
			if ready != nil {
				close(ready)
				ready = nil
			}
		}
	}(r)

	return r
}

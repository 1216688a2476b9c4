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

// Package version parses and compares firmware versions, and persists the
// version of the running firmware.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// ErrMalformed is wrapped by all errors returned from Parse.
var ErrMalformed = errors.New("malformed version")

// Parse parses a firmware version of the form "major[.minor[.patch]]".
// Missing components are zero. Each component must be a non-empty run of
// decimal digits which fits in 32 bits; anything else is rejected.
func Parse(s string) (semver.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return semver.Version{}, fmt.Errorf("%w %q: more than 3 components", ErrMalformed, s)
	}
	var c [3]uint64
	for i, p := range parts {
		if p == "" {
			return semver.Version{}, fmt.Errorf("%w %q: empty component %d", ErrMalformed, s, i)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return semver.Version{}, fmt.Errorf("%w %q: component %q is not a decimal number", ErrMalformed, s, p)
			}
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return semver.Version{}, fmt.Errorf("%w %q: %v", ErrMalformed, s, err)
		}
		c[i] = n
	}
	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2]))
	if err != nil {
		return semver.Version{}, fmt.Errorf("%w %q: %v", ErrMalformed, s, err)
	}
	return *v, nil
}

// IsNewer reports whether candidate is strictly greater than current when both
// are compared as (major, minor, patch) tuples.
func IsNewer(current, candidate string) (bool, error) {
	cur, err := Parse(current)
	if err != nil {
		return false, fmt.Errorf("current version: %w", err)
	}
	cand, err := Parse(candidate)
	if err != nil {
		return false, fmt.Errorf("candidate version: %w", err)
	}
	return cur.LessThan(cand), nil
}

// Canonical returns the three component form of s, e.g. "1.2" becomes "1.2.0".
func Canonical(s string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// NextPatch returns s with its patch component incremented.
func NextPatch(s string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	v.BumpPatch()
	return v.String(), nil
}

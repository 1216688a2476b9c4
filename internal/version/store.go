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

package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-ota/internal/storage/kv"
	"k8s.io/klog/v2"
)

const (
	// DefaultNamespace and DefaultKey locate the running version record.
	DefaultNamespace = "firmware"
	DefaultKey       = "fm_ver"
)

// KV is the durable key/value storage used to hold the version record.
type KV interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// Store holds the version of the currently running firmware.
type Store struct {
	kv             KV
	namespace, key string
}

// NewStore returns a Store keeping its record under namespace/key in kv.
func NewStore(kv KV, namespace, key string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if key == "" {
		key = DefaultKey
	}
	return &Store{kv: kv, namespace: namespace, key: key}
}

// Get returns the stored version.
// If no version has been stored yet, def is persisted and returned.
func (s *Store) Get(ctx context.Context, def string) (string, error) {
	v, err := s.kv.Get(ctx, s.namespace, s.key)
	switch {
	case err == nil:
		return v, nil
	case !errors.Is(err, kv.ErrNotFound):
		return "", fmt.Errorf("failed to read version record: %w", err)
	}
	klog.Warningf("Version record %s/%s not found, initialising to %q", s.namespace, s.key, def)
	if err := s.kv.Set(ctx, s.namespace, s.key, def); err != nil {
		return "", fmt.Errorf("failed to initialise version record: %w", err)
	}
	return def, nil
}

// Set durably replaces the stored version.
func (s *Store) Set(ctx context.Context, v string) error {
	if err := s.kv.Set(ctx, s.namespace, s.key, v); err != nil {
		return fmt.Errorf("failed to write version record: %w", err)
	}
	return nil
}

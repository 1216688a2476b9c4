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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"github.com/transparency-dev/armored-ota/internal/storage"
	"github.com/transparency-dev/armored-ota/internal/transfer"
	"github.com/transparency-dev/armored-ota/internal/update"
	"github.com/transparency-dev/armored-ota/internal/version"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration file.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Staging  StagingConfig  `yaml:"staging"`
	Versions VersionConfig  `yaml:"versions"`
	Transfer TransferConfig `yaml:"transfer"`

	// TrustAnchor is the path of the key release signatures are checked
	// against.
	TrustAnchor string `yaml:"trust_anchor"`

	// RestartDelay is the grace period between committing an update and
	// restarting.
	RestartDelay time.Duration `yaml:"restart_delay"`
	// RestartCommand is run to restart the device. If empty, the agent exits
	// and leaves the restart to its supervisor.
	RestartCommand []string `yaml:"restart_command"`

	NTPServer string `yaml:"ntp_server"`
	// Listen is the address the agent API is served on.
	Listen string `yaml:"listen"`
}

// DeviceConfig locates the boot selector and firmware banks.
// Lengths are in blocks.
type DeviceConfig struct {
	Path           string `yaml:"path"`
	BlockSize      uint   `yaml:"block_size"`
	SelectorStart  uint   `yaml:"selector_start"`
	SelectorBlocks uint   `yaml:"selector_blocks"`
	BankBlocks     uint   `yaml:"bank_blocks"`
}

// Geometry returns the bank layout described by c.
func (c DeviceConfig) Geometry() bank.Geometry {
	return bank.Geometry{
		Start:          c.SelectorStart,
		SelectorLength: c.SelectorBlocks,
		BankLength:     c.BankBlocks,
	}
}

// Blocks returns the number of device blocks the layout needs.
func (c DeviceConfig) Blocks() uint {
	return c.SelectorStart + c.Geometry().Blocks()
}

type StagingConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type VersionConfig struct {
	DB        string `yaml:"db"`
	Namespace string `yaml:"namespace"`
	Key       string `yaml:"key"`
	Default   string `yaml:"default"`
}

type TransferConfig struct {
	APIKey string `yaml:"api_key"`
	// RootCA is the path of the PEM bundle server certificates must chain to.
	RootCA    string        `yaml:"root_ca"`
	Timeout   time.Duration `yaml:"timeout"`
	ChunkSize int           `yaml:"chunk_size"`
	// DNSRefresh is how often cached DNS entries are refreshed. Zero disables
	// the cache.
	DNSRefresh time.Duration `yaml:"dns_refresh"`
}

// DefaultConfig returns the configuration used for anything a config file
// leaves unset.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			BlockSize:      storage.DefaultBlockSize,
			SelectorBlocks: 8,
			BankBlocks:     0x8000,
		},
		Staging: StagingConfig{
			Backend: string(staging.Stream),
		},
		Versions: VersionConfig{
			DB:        "ota.db",
			Namespace: version.DefaultNamespace,
			Key:       version.DefaultKey,
			Default:   update.DefaultVersion,
		},
		Transfer: TransferConfig{
			Timeout:    transfer.DefaultTimeout,
			ChunkSize:  transfer.DefaultChunkSize,
			DNSRefresh: 5 * time.Minute,
		},
		RestartDelay: update.DefaultRestartDelay,
		Listen:       ":8080",
	}
}

// ParseConfig decodes a YAML configuration over the defaults and validates
// the result.
func ParseConfig(b []byte) (Config, error) {
	c := DefaultConfig()
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("invalid config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// Validate checks c for missing or inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Device.Path == "" {
		errs = append(errs, errors.New("device.path is required"))
	}
	if c.Device.BlockSize == 0 || c.Device.BlockSize%storage.DefaultBlockSize != 0 {
		errs = append(errs, fmt.Errorf("device.block_size must be a multiple of %d, got %d", storage.DefaultBlockSize, c.Device.BlockSize))
	}
	if err := c.Device.Geometry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %v", err))
	}
	if _, err := staging.ParseBackend(c.Staging.Backend); err != nil {
		errs = append(errs, fmt.Errorf("staging.backend: %v", err))
	}
	if c.Versions.DB == "" {
		errs = append(errs, errors.New("versions.db is required"))
	}
	if _, err := version.Parse(c.Versions.Default); err != nil {
		errs = append(errs, fmt.Errorf("versions.default: %v", err))
	}
	if c.Transfer.RootCA == "" {
		errs = append(errs, errors.New("transfer.root_ca is required"))
	}
	if c.Transfer.Timeout <= 0 {
		errs = append(errs, errors.New("transfer.timeout must be positive"))
	}
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, errors.New("transfer.chunk_size must be positive"))
	}
	if c.TrustAnchor == "" {
		errs = append(errs, errors.New("trust_anchor is required"))
	}
	if c.RestartDelay < 0 {
		errs = append(errs, errors.New("restart_delay must not be negative"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	return errors.Join(errs...)
}

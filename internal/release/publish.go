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

package release

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/transparency-dev/armored-ota/api"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"k8s.io/klog/v2"
)

const (
	firmwareDir  = "firmwares"
	signatureDir = "signatures"
)

// FirmwarePath returns the path, relative to the publication root, of the
// image for version v.
func FirmwarePath(v string) string {
	return path.Join(firmwareDir, v+".bin")
}

// SignaturePath returns the path, relative to the publication root, of the
// detached signature for version v.
func SignaturePath(v string) string {
	return path.Join(signatureDir, v+".sig")
}

// Publisher lays out release artefacts under a directory which is served at
// BaseURL.
type Publisher struct {
	Dir     string
	BaseURL *url.URL
}

// Publish signs the digest of fw with s, writes the image and signature under
// p.Dir, and returns the trigger document announcing them.
func (p Publisher) Publish(v string, fw []byte, s Signer) (*api.UpdateRequest, error) {
	if len(fw) == 0 {
		return nil, errors.New("refusing to publish an empty image")
	}
	if p.BaseURL == nil || !p.BaseURL.IsAbs() {
		return nil, errors.New("an absolute base URL is required")
	}
	d := sha256.Sum256(fw)
	sig, err := s.Sign(d[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign image: %v", err)
	}

	for rel, data := range map[string][]byte{FirmwarePath(v): fw, SignaturePath(v): sig} {
		dst := filepath.Join(p.Dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, err
		}
		klog.Infof("Wrote %d bytes to %q", len(data), dst)
	}

	req := &api.UpdateRequest{
		Version:      v,
		FirmwareURL:  p.BaseURL.JoinPath(FirmwarePath(v)).String(),
		SignatureURL: p.BaseURL.JoinPath(SignaturePath(v)).String(),
		Checksum:     hex.EncodeToString(d[:]),
	}
	// Never announce something the agent would reject.
	if _, err := firmware.ParseDescriptor(req.Bytes()); err != nil {
		return nil, err
	}
	return req, nil
}

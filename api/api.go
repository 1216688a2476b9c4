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

// Package api holds the messages exchanged between the OTA agent and its
// clients.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Agent HTTP endpoints.
const (
	UpdatePath  = "/update"
	StatusPath  = "/status"
	MetricsPath = "/metrics"

	ContentTypeJSON = "application/json"
)

// UpdateRequest is the trigger document announcing a firmware release.
type UpdateRequest struct {
	Version      string `json:"version"`
	FirmwareURL  string `json:"firmware_url"`
	SignatureURL string `json:"signature_url"`
	Checksum     string `json:"checksum"`
}

// Bytes serializes an update request.
func (r *UpdateRequest) Bytes() []byte {
	buf, _ := json.Marshal(r)
	return buf
}

// Response is returned by the agent for update requests.
type Response struct {
	// State is the update state reached, if an attempt was made.
	State string `json:"state,omitempty"`
	// Version is the candidate version.
	Version string `json:"version,omitempty"`
	// Error describes why the request was refused or failed.
	Error string `json:"error,omitempty"`
}

// ErrorResponse converts an error into a serialized Response.
func ErrorResponse(err error) []byte {
	buf, _ := json.Marshal(&Response{Error: err.Error()})
	return buf
}

// Bytes serializes a response.
func (r *Response) Bytes() []byte {
	buf, _ := json.Marshal(r)
	return buf
}

// Status describes the agent, the firmware it runs and its last update
// attempt.
type Status struct {
	// Revision and Build identify the agent binary.
	Revision string `json:"revision"`
	Build    string `json:"build"`
	Runtime  string `json:"runtime"`

	// Version is the recorded version of the running firmware.
	Version string `json:"version"`

	// ActiveBank is the bank the boot selector points at.
	ActiveBank string `json:"active_bank"`
	// ActiveSize and ActiveDigest describe the image in ActiveBank, when
	// it was installed by an update.
	ActiveSize   int64  `json:"active_size,omitempty"`
	ActiveDigest string `json:"active_digest,omitempty"`
	// SelectorRevision counts boot selector commits.
	SelectorRevision uint32 `json:"selector_revision"`

	// Busy is set while an update attempt is in flight.
	Busy bool `json:"busy"`
	// State is the state of the current or last attempt.
	State     string `json:"state"`
	Candidate string `json:"candidate,omitempty"`
	LastError string `json:"last_error,omitempty"`
	// RestartPending is the version committed and awaiting a restart.
	// Triggers are refused while it is set.
	RestartPending string `json:"restart_pending,omitempty"`

	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
}

// Print returns the agent status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("---------------------------------------------------------- OTA Agent ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", p.Runtime))
	status.WriteString(fmt.Sprintf("Firmware version .......: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Boot bank ..............: %s (selector revision %d)\n", p.ActiveBank, p.SelectorRevision))
	if p.ActiveDigest != "" {
		status.WriteString(fmt.Sprintf("Boot image .............: %d bytes, sha256 %s\n", p.ActiveSize, p.ActiveDigest))
	}
	status.WriteString(fmt.Sprintf("Update in progress .....: %v\n", p.Busy))
	status.WriteString(fmt.Sprintf("Update state ...........: %s\n", p.State))
	if p.Candidate != "" {
		status.WriteString(fmt.Sprintf("Update candidate .......: %s\n", p.Candidate))
	}
	if p.RestartPending != "" {
		status.WriteString(fmt.Sprintf("Restart pending into ...: %s\n", p.RestartPending))
	}
	if !p.LastStarted.IsZero() {
		status.WriteString(fmt.Sprintf("Last attempt ...........: %s\n", p.LastStarted.UTC().Format(time.RFC3339)))
	}
	if p.LastError != "" {
		status.WriteString(fmt.Sprintf("Last error .............: %s\n", p.LastError))
	}

	return status.String()
}

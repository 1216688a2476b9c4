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

// Package client talks to the OTA agent's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/transparency-dev/armored-ota/api"
	"k8s.io/klog/v2"
)

// maxBody bounds the size of agent responses.
const maxBody = 64 << 10

// ErrBusy is returned by Update when the agent already has an attempt in
// flight.
var ErrBusy = errors.New("agent busy")

// Client is an agent API client.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// New returns a client for the agent at baseURL.
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported agent URL scheme %q", u.Scheme)
	}
	return &Client{base: u, hc: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *Client) do(ctx context.Context, method, p string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(p).String(), r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", api.ContentTypeJSON)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}

// Update sends a trigger document to the agent. It returns the agent's
// response once the attempt has been accepted.
func (c *Client) Update(ctx context.Context, r *api.UpdateRequest) (*api.Response, error) {
	code, body, err := c.do(ctx, http.MethodPost, api.UpdatePath, r.Bytes())
	if err != nil {
		return nil, err
	}
	resp := &api.Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("agent replied %d with invalid body %q: %v", code, body, err)
	}
	switch code {
	case http.StatusAccepted:
		return resp, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrBusy, resp.Error)
	}
	return nil, fmt.Errorf("agent refused update (HTTP %d): %s", code, resp.Error)
}

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	code, body, err := c.do(ctx, http.MethodGet, api.StatusPath, nil)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("agent replied %d: %s", code, bytes.TrimSpace(body))
	}
	s := &api.Status{}
	if err := json.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("invalid status: %v", err)
	}
	return s, nil
}

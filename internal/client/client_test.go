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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-ota/api"
)

func TestUpdate(t *testing.T) {
	req := &api.UpdateRequest{Version: "1.2.3"}
	for _, test := range []struct {
		name    string
		code    int
		resp    api.Response
		want    *api.Response
		wantErr error
	}{
		{name: "accepted", code: http.StatusAccepted, resp: api.Response{State: "Validating", Version: "1.2.3"}, want: &api.Response{State: "Validating", Version: "1.2.3"}},
		{name: "busy", code: http.StatusConflict, resp: api.Response{Error: "busy"}, wantErr: ErrBusy},
		{name: "bad request", code: http.StatusBadRequest, resp: api.Response{Error: "bad"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			var gotBody []byte
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/agent"+api.UpdatePath {
					t.Errorf("Got %s %s", r.Method, r.URL.Path)
				}
				gotBody, _ = io.ReadAll(r.Body)
				w.WriteHeader(test.code)
				w.Write(test.resp.Bytes())
			}))
			defer ts.Close()

			c, err := New(ts.URL + "/agent/")
			if err != nil {
				t.Fatal(err)
			}
			got, err := c.Update(context.Background(), req)
			if string(gotBody) != string(req.Bytes()) {
				t.Errorf("Server got body %q", gotBody)
			}
			if test.want == nil {
				if err == nil {
					t.Fatal("Update succeeded, want error")
				}
				if test.wantErr != nil && !errors.Is(err, test.wantErr) {
					t.Fatalf("Update: got %v, want %v", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	want := &api.Status{Version: "2.0.0", ActiveBank: "B", State: "Done"}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.StatusPath {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestNewRejectsScheme(t *testing.T) {
	if _, err := New("ftp://agent"); err == nil {
		t.Fatal("New accepted ftp URL")
	}
}

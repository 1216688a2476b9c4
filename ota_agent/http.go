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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/armored-ota/api"
	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/firmware"
	"github.com/transparency-dev/armored-ota/internal/update"
	"k8s.io/klog/v2"
)

// maxTriggerSize bounds the trigger documents read from requests.
const maxTriggerSize = 16 << 10

// Updater runs update attempts.
type Updater interface {
	Start(ctx context.Context, payload []byte) (<-chan update.Attempt, error)
	Status() update.Status
}

// Selector reports the current boot selection.
type Selector interface {
	Active() (bank.Selection, error)
}

// RunningVersion reports the recorded version of the running firmware.
type RunningVersion interface {
	Get(ctx context.Context, def string) (string, error)
}

// Server is the agent API.
type Server struct {
	u          Updater
	sel        Selector
	versions   RunningVersion
	defVersion string
	// info carries the static fields reported by /status.
	info api.Status
	// restarts receives the results of attempts which require a restart.
	restarts chan<- update.Result
}

// update handles trigger documents.
func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse(fmt.Errorf("cannot read request body: %v", err)))
		return
	}
	c, err := s.u.Start(r.Context(), body)
	if err != nil {
		var pErr *firmware.ParseError
		switch {
		case errors.Is(err, update.ErrBusy):
			writeJSON(w, http.StatusConflict, api.ErrorResponse(err))
		case errors.As(err, &pErr):
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse(err))
		default:
			klog.Errorf("Failed to start update: %v", err)
			writeJSON(w, http.StatusInternalServerError, api.ErrorResponse(err))
		}
		return
	}
	go s.await(c)

	st := s.u.Status()
	resp := &api.Response{State: st.State.String(), Version: st.Candidate}
	writeJSON(w, http.StatusAccepted, resp.Bytes())
}

// await forwards the outcome of an attempt to the restarter.
func (s *Server) await(c <-chan update.Attempt) {
	a := <-c
	if a.Err != nil || !a.Result.Restart {
		return
	}
	select {
	case s.restarts <- a.Result:
	default:
		klog.Warningf("Restart already pending, dropping restart request for %s", a.Result.Version)
	}
}

// status returns the agent status.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sel, err := s.sel.Active()
	if err != nil {
		klog.Errorf("Failed to read boot selector: %v", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse(err))
		return
	}
	v, err := s.versions.Get(r.Context(), s.defVersion)
	if err != nil {
		klog.Errorf("Failed to read running version: %v", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse(err))
		return
	}
	u := s.u.Status()

	st := s.info
	st.Version = v
	st.ActiveBank = sel.Bank.String()
	st.ActiveSize = sel.Size
	st.ActiveDigest = sel.Digest
	st.SelectorRevision = sel.Revision
	st.Busy = u.Busy
	st.State = u.State.String()
	st.Candidate = u.Candidate
	st.LastError = u.LastError
	st.RestartPending = u.RestartPending
	st.LastStarted = u.Started
	st.LastFinished = u.Finished

	b, err := json.Marshal(st)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", api.ContentTypeJSON)
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		klog.Errorf("w.Write(): %v", err)
	}
}

// RegisterHandlers registers HTTP handlers for the agent endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(api.UpdatePath, s.update).Methods(http.MethodPost)
	r.HandleFunc(api.StatusPath, s.status).Methods(http.MethodGet)
	r.Handle(api.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
}

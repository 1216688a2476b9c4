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
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/transparency-dev/armored-ota/internal/update"
	"k8s.io/klog/v2"
)

// errRestartRequested ends the agent so that its supervisor can restart the
// device.
var errRestartRequested = errors.New("restart requested")

type restarter struct {
	command []string
	sleep   func(time.Duration)
	exec    func(name string, args ...string) ([]byte, error)
}

func newRestarter(command []string) *restarter {
	return &restarter{
		command: command,
		sleep:   time.Sleep,
		exec: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// Restart counts down for the delay, in whole seconds, and then restarts the
// device. It is not cancellable once begun.
//
// A failed restart command is logged and nil returned so the agent keeps
// running the current firmware until it is next restarted.
func (r *restarter) Restart(after time.Duration) error {
	for i := int((after + time.Second - 1) / time.Second); i > 0; i-- {
		klog.Infof("Restarting device... %d", i)
		r.sleep(time.Second)
	}
	if len(r.command) == 0 {
		klog.Info("No restart command configured, exiting")
		return errRestartRequested
	}
	klog.Infof("Restarting device: %s", strings.Join(r.command, " "))
	out, err := r.exec(r.command[0], r.command[1:]...)
	if err != nil {
		klog.Errorf("Restart command failed: %v: %s", err, out)
	}
	return nil
}

// Run restarts the device for each result received on c until ctx is done.
func (r *restarter) Run(ctx context.Context, c <-chan update.Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-c:
			if !res.Restart {
				continue
			}
			klog.Infof("Firmware %s committed to bank %v", res.Version, res.Bank)
			if err := r.Restart(res.RestartAfter); err != nil {
				return err
			}
		}
	}
}

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

// The otactl tool queries and triggers an OTA agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/transparency-dev/armored-ota/api"
	"github.com/transparency-dev/armored-ota/internal/client"
	"k8s.io/klog/v2"
)

type Config struct {
	agent   string
	status  bool
	trigger string
	wait    time.Duration
}

var conf = &Config{}

func init() {
	flag.StringVar(&conf.agent, "agent", "http://127.0.0.1:8080", "Base URL of the OTA agent.")
	flag.BoolVar(&conf.status, "status", false, "get agent status")
	flag.StringVar(&conf.trigger, "trigger", "", "file containing a trigger document to submit, - for stdin")
	flag.DurationVar(&conf.wait, "wait", 0, "after submitting a trigger, poll status until the attempt finishes or this much time has passed")
}

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()
	ctx := context.Background()

	if !conf.status && conf.trigger == "" {
		flag.PrintDefaults()
		os.Exit(2)
	}

	c, err := client.New(conf.agent)
	if err != nil {
		klog.Exitf("Invalid --agent: %v", err)
	}

	switch {
	case conf.trigger != "":
		err = trigger(ctx, c, conf.trigger, conf.wait)
	case conf.status:
		var s *api.Status
		if s, err = c.Status(ctx); err == nil {
			fmt.Print(s.Print())
		}
	}
	if err != nil {
		klog.Exitf("fatal error, %s", err)
	}
}

func trigger(ctx context.Context, c *client.Client, f string, wait time.Duration) error {
	var b []byte
	var err error
	if f == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(f)
	}
	if err != nil {
		return err
	}
	req := &api.UpdateRequest{}
	if err := json.Unmarshal(b, req); err != nil {
		return fmt.Errorf("invalid trigger document: %v", err)
	}

	start := time.Now()
	resp, err := c.Update(ctx, req)
	if err != nil {
		return err
	}
	klog.Infof("Agent accepted update to %s", resp.Version)
	if wait <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-t.C:
		}
		s, err := c.Status(ctx)
		if err != nil {
			klog.Warningf("Status: %v", err)
			continue
		}
		klog.V(1).Infof("Agent state %s", s.State)
		if s.Busy || s.LastFinished.Before(start) {
			continue
		}
		if s.LastError != "" {
			return errors.New(s.LastError)
		}
		klog.Infof("Update finished in state %s, running version %s", s.State, s.Version)
		return nil
	}
}

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

// The ota_agent daemon receives firmware update triggers, and downloads,
// verifies and installs the firmware they announce.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mercari.io/go-dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/transparency-dev/armored-ota/api"
	"github.com/transparency-dev/armored-ota/internal/bank"
	"github.com/transparency-dev/armored-ota/internal/clock"
	"github.com/transparency-dev/armored-ota/internal/staging"
	"github.com/transparency-dev/armored-ota/internal/storage"
	"github.com/transparency-dev/armored-ota/internal/storage/kv"
	"github.com/transparency-dev/armored-ota/internal/transfer"
	"github.com/transparency-dev/armored-ota/internal/update"
	"github.com/transparency-dev/armored-ota/internal/verify"
	"github.com/transparency-dev/armored-ota/internal/version"
	"k8s.io/klog/v2"
)

const dnsUpdateTimeout = 10 * time.Second

var (
	Revision string
	Version  string
	Build    string

	configFile = flag.String("config", "/etc/ota/agent.yaml", "Path to the agent configuration file.")
	listenAddr = flag.String("listen", "", "If set, overrides the listen address in the configuration file.")
)

func initMetrics() {
	// The default registry carries a Go collector with partial coverage, replace it.
	prom.Unregister(collectors.NewGoCollector())
	prom.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))
}

func main() {
	klog.InitFlags(nil)
	flag.Set("vmodule", "journal=1,slots=1")
	flag.Set("logtostderr", "true")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.Infof("%s/%s (%s) • OTA agent • %s %s", runtime.GOOS, runtime.GOARCH, runtime.Version(), Version, Revision)

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		klog.Exitf("Failed to load configuration from %q: %v", *configFile, err)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	initMetrics()

	klog.Infof("Opening storage %q...", cfg.Device.Path)
	dev, err := storage.Open(cfg.Device.Path, cfg.Device.BlockSize, cfg.Device.Blocks())
	if err != nil {
		klog.Exitf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			klog.Errorf("Failed to close storage: %v", err)
		}
	}()
	banks, err := bank.NewManager(dev, cfg.Device.Geometry())
	if err != nil {
		klog.Exitf("Failed to open banks: %v", err)
	}
	versions := version.NewStore(kv.New(cfg.Versions.DB), cfg.Versions.Namespace, cfg.Versions.Key)

	clk := clock.NewNTP(cfg.NTPServer)
	backend, err := staging.ParseBackend(cfg.Staging.Backend)
	if err != nil {
		klog.Exitf("%v", err)
	}
	updater, err := update.New(update.Options{
		Versions:       versions,
		Fetcher:        fetcherOrDie(cfg.Transfer, clk),
		Verifier:       verify.New(trustAnchorOrDie(cfg.TrustAnchor)),
		Banks:          banks,
		Staging:        staging.Options{Backend: backend, Dir: cfg.Staging.Dir},
		DefaultVersion: cfg.Versions.Default,
		RestartDelay:   cfg.RestartDelay,
		Metrics:        update.NewMetrics(prom.DefaultRegisterer),
	})
	if err != nil {
		klog.Exitf("Failed to create updater: %v", err)
	}

	running, err := updater.Reconcile(ctx)
	if err != nil {
		klog.Exitf("Failed to reconcile version record: %v", err)
	}
	klog.Infof("Running firmware version %s", running)

	restarts := make(chan update.Result, 1)
	srv := &Server{
		u:          updater,
		sel:        banks,
		versions:   versions,
		defVersion: cfg.Versions.Default,
		info: api.Status{
			Revision: Revision,
			Build:    Build,
			Runtime:  runtime.Version(),
		},
		restarts: restarts,
	}

	err = run(ctx, cfg.Listen, clk, srv, restarts, newRestarter(cfg.RestartCommand))
	switch {
	case errors.Is(err, errRestartRequested):
		klog.Info("Exiting for restart")
	case err != nil:
		klog.Exitf("%v", err)
	}
}

// run serves the agent API and performs restarts until ctx is done.
func run(ctx context.Context, listen string, clk *clock.NTP, srv *Server, restarts <-chan update.Result, r *restarter) error {
	g, ctx := errgroup.WithContext(ctx)

	synced := clk.Run(ctx)
	g.Go(func() error {
		select {
		case <-synced:
			off, _ := clk.Offset()
			klog.Infof("Clock synchronised, offset %v", off)
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return r.Run(ctx, restarts)
	})

	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", listen)
	if err != nil {
		return fmt.Errorf("could not initialize HTTP listener: %v", err)
	}
	router := mux.NewRouter()
	srv.RegisterHandlers(router)
	hs := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      router,
	}
	g.Go(func() error {
		klog.Infof("Serving agent API on %s", l.Addr())
		if err := hs.Serve(l); err != http.ErrServerClosed {
			return fmt.Errorf("error serving agent API: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})

	return g.Wait()
}

func fetcherOrDie(c TransferConfig, clk *clock.NTP) *transfer.Client {
	pem, err := os.ReadFile(c.RootCA)
	if err != nil {
		klog.Exitf("Failed to read root CA %q: %v", c.RootCA, err)
	}
	roots, err := transfer.NewRootPool(pem)
	if err != nil {
		klog.Exitf("Invalid root CA %q: %v", c.RootCA, err)
	}
	opts := transfer.Options{
		APIKey:      c.APIKey,
		RootCAs:     roots,
		Timeout:     c.Timeout,
		ChunkSize:   c.ChunkSize,
		Now:         clk.Now,
		LogProgress: true,
	}
	if c.DNSRefresh > 0 {
		if opts.Resolver, err = dnscache.New(c.DNSRefresh, dnsUpdateTimeout); err != nil {
			klog.Exitf("Failed to create DNS cache: %v", err)
		}
	}
	f, err := transfer.New(opts)
	if err != nil {
		klog.Exitf("Failed to create transfer client: %v", err)
	}
	return f
}

func trustAnchorOrDie(p string) verify.TrustAnchor {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read trust anchor %q: %v", p, err)
	}
	a, err := verify.ParseTrustAnchor(b)
	if err != nil {
		klog.Exitf("Invalid trust anchor %q: %v", p, err)
	}
	klog.Infof("Trust anchor: %v", a)
	return a
}

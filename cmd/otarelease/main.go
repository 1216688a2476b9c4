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

// The otarelease tool signs a firmware image, lays it out for serving to
// devices, records it in the release registry, and emits the trigger
// document announcing it.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-ota/internal/client"
	"github.com/transparency-dev/armored-ota/internal/release"
	"github.com/transparency-dev/armored-ota/internal/version"
	"k8s.io/klog/v2"
)

var (
	firmwareSrc = flag.String("firmware", "", "Firmware image to release: a file path, or a file://, http:// or https:// URL.")
	fwVersion   = flag.String("version", "", "Version to release. Defaults to the latest registered release with its patch version incremented.")
	keyFile     = flag.String("key_file", "", "File containing the signing key: a PEM RSA, EC or PKCS#8 private key, or a note signer key.")
	outputDir   = flag.String("output_dir", "", "Directory to write firmwares/<version>.bin and signatures/<version>.sig to.")
	baseURL     = flag.String("base_url", "", "URL at which output_dir will be served to devices.")
	registryDB  = flag.String("registry", "releases.db", "SQLite database recording releases.")
	changelog   = flag.String("changelog", "", "Release notes.")
	deployedBy  = flag.String("deployed_by", os.Getenv("USER"), "Who is making the release.")
	agentURL    = flag.String("agent", "", "If set, base URL of an OTA agent to send the trigger document to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()
	ctx := context.Background()

	if *firmwareSrc == "" || *keyFile == "" || *outputDir == "" || *baseURL == "" {
		flag.Usage()
		klog.Exit("--firmware, --key_file, --output_dir and --base_url are required")
	}
	base, err := url.Parse(*baseURL)
	if err != nil {
		klog.Exitf("Invalid --base_url: %v", err)
	}
	signer := signerOrDie(*keyFile)

	reg, err := release.OpenRegistry(*registryDB)
	if err != nil {
		klog.Exitf("Failed to open registry: %v", err)
	}
	defer reg.Close()

	v := *fwVersion
	if v == "" {
		if v, err = reg.NextVersion(ctx); err != nil {
			klog.Exitf("Failed to determine next version: %v", err)
		}
		klog.Infof("Auto-assigned firmware version: %s", v)
	}
	if v, err = version.Canonical(v); err != nil {
		klog.Exitf("Invalid version: %v", err)
	}
	exists, err := reg.Exists(ctx, v)
	if err != nil {
		klog.Exitf("Failed to query registry: %v", err)
	}
	if exists {
		klog.Exitf("Version %s already exists. Choose a new version.", v)
	}

	fw := firmwareOrDie(ctx, *firmwareSrc)

	p := release.Publisher{Dir: *outputDir, BaseURL: base}
	req, err := p.Publish(v, fw, signer)
	if err != nil {
		klog.Exitf("Publish: %v", err)
	}
	if err := reg.Record(ctx, release.Release{
		Version:      req.Version,
		FirmwareURL:  req.FirmwareURL,
		SignatureURL: req.SignatureURL,
		Checksum:     req.Checksum,
		Changelog:    *changelog,
		DeployedBy:   *deployedBy,
	}); err != nil {
		klog.Exitf("Failed to record release: %v", err)
	}

	klog.Infof("Released %s:\n  Deployed by  : %s\n  Changelog    : %s\n  Firmware URL : %s\n  Signature URL: %s\n  Checksum     : %s",
		req.Version, *deployedBy, *changelog, req.FirmwareURL, req.SignatureURL, req.Checksum)
	fmt.Println(string(req.Bytes()))

	if *agentURL != "" {
		c, err := client.New(*agentURL)
		if err != nil {
			klog.Exitf("Invalid --agent: %v", err)
		}
		resp, err := c.Update(ctx, req)
		if err != nil {
			klog.Exitf("Failed to trigger agent: %v", err)
		}
		klog.Infof("Agent accepted update of %s (state %s)", resp.Version, resp.State)
	}
}

func signerOrDie(p string) release.Signer {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read key file %q: %v", p, err)
	}
	s, err := release.ParseSigner(b)
	if err != nil {
		klog.Exitf("Invalid signing key in %q: %v", p, err)
	}
	return s
}

// firmwareOrDie reads the image at src, showing progress.
func firmwareOrDie(ctx context.Context, src string) []byte {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" {
		u = &url.URL{Scheme: "file", Path: src}
	}
	get := getByScheme[u.Scheme]
	if get == nil {
		klog.Exitf("Unsupported URL scheme %s", u.Scheme)
	}
	rc, size, err := get(ctx, u)
	if err != nil {
		klog.Exitf("Failed to open firmware %q: %v", src, err)
	}
	defer rc.Close()

	bar := pb.Full.Start64(size)
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, bar.NewProxyReader(rc)); err != nil {
		klog.Exitf("Failed to read firmware %q: %v", src, err)
	}
	bar.Finish()
	return buf.Bytes()
}

var getByScheme = map[string]func(context.Context, *url.URL) (io.ReadCloser, int64, error){
	"http":  readHTTP,
	"https": readHTTP,
	"file": func(_ context.Context, u *url.URL) (io.ReadCloser, int64, error) {
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, 0, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, fi.Size(), nil
	},
}

func readHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		klog.Infof("Not found: %q", u.String())
		return nil, 0, os.ErrNotExist
	case http.StatusOK:
		break
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected http status %q", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

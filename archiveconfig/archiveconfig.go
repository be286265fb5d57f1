/*
Copyright 2026 The Coldvault Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archiveconfig loads the small JSON document that tells a
// front-end which transport backend to dial and what lease timings to
// use, independent of any command-line flags. Grounded on the shape of
// the teacher's pkg/jsonconfig.Obj accessors (required vs. optional
// keys with sensible zero defaults), not its recursive file-include and
// "_env"/"_fileobj" expression-expansion machinery, which exists there
// to configure a whole blobserver plugin graph this module has no
// equivalent of.
package archiveconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coldvault/coldvault/lease"
	"github.com/coldvault/coldvault/transport"
	"github.com/coldvault/coldvault/transport/gcs"
	"github.com/coldvault/coldvault/transport/localfs"
	"github.com/coldvault/coldvault/transport/objstore"
	"github.com/coldvault/coldvault/transport/sftpfs"
)

// LocalFSConfig roots the archive at a local directory.
type LocalFSConfig struct {
	Root string `json:"root"`
}

// SFTPConfig mirrors sftpfs.Config with a JSON-friendly timeout field;
// sftpfs.Config's DialTimeout is a time.Duration, which json.Unmarshal
// would otherwise expect to see as raw nanoseconds.
type SFTPConfig struct {
	Addr               string `json:"addr"`
	User               string `json:"user"`
	Password           string `json:"password,omitempty"`
	WantFingerprint    string `json:"fingerprint"`
	Root               string `json:"root,omitempty"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds,omitempty"`
}

func (c SFTPConfig) toTransportConfig() sftpfs.Config {
	return sftpfs.Config{
		Addr:            c.Addr,
		User:            c.User,
		Password:        c.Password,
		WantFingerprint: c.WantFingerprint,
		Root:            c.Root,
		DialTimeout:     time.Duration(c.DialTimeoutSeconds) * time.Second,
	}
}

// TransportConfig selects and configures exactly one backend. Kind
// names which of the embedded configs is consulted.
type TransportConfig struct {
	Kind     string           `json:"kind"`
	LocalFS  *LocalFSConfig   `json:"localfs,omitempty"`
	ObjStore *objstore.Config `json:"objstore,omitempty"`
	GCS      *gcs.Config      `json:"gcs,omitempty"`
	SFTP     *SFTPConfig      `json:"sftp,omitempty"`
}

// LeaseConfig overrides the archive write lease's renewal cadence and
// expiry window; a zero value in either field falls back to the
// package lease's own defaults.
type LeaseConfig struct {
	RenewSeconds  int `json:"renew_seconds,omitempty"`
	ExpirySeconds int `json:"expiry_seconds,omitempty"`
}

// Config is the archive-level configuration document, independent of
// any particular command-line invocation.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Lease     LeaseConfig     `json:"lease,omitempty"`
}

// Load reads and parses the JSON document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("archiveconfig: reading %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("archiveconfig: parsing %s: %w", path, err)
	}
	return c, nil
}

// RenewInterval returns the configured lease renewal interval, or
// lease.DefaultRenewInterval if unset.
func (c Config) RenewInterval() time.Duration {
	if c.Lease.RenewSeconds <= 0 {
		return lease.DefaultRenewInterval
	}
	return time.Duration(c.Lease.RenewSeconds) * time.Second
}

// Expiry returns the configured lease expiry window, or
// lease.DefaultExpiry if unset.
func (c Config) Expiry() time.Duration {
	if c.Lease.ExpirySeconds <= 0 {
		return lease.DefaultExpiry
	}
	return time.Duration(c.Lease.ExpirySeconds) * time.Second
}

// OpenTransport dials the backend named by Transport.Kind.
func (c Config) OpenTransport(ctx context.Context) (transport.Transport, error) {
	switch c.Transport.Kind {
	case "localfs":
		if c.Transport.LocalFS == nil {
			return nil, fmt.Errorf("archiveconfig: transport kind %q requires a \"localfs\" config block", c.Transport.Kind)
		}
		return localfs.New(c.Transport.LocalFS.Root)
	case "objstore":
		if c.Transport.ObjStore == nil {
			return nil, fmt.Errorf("archiveconfig: transport kind %q requires an \"objstore\" config block", c.Transport.Kind)
		}
		return objstore.New(ctx, *c.Transport.ObjStore)
	case "gcs":
		if c.Transport.GCS == nil {
			return nil, fmt.Errorf("archiveconfig: transport kind %q requires a \"gcs\" config block", c.Transport.Kind)
		}
		return gcs.New(ctx, *c.Transport.GCS)
	case "sftp":
		if c.Transport.SFTP == nil {
			return nil, fmt.Errorf("archiveconfig: transport kind %q requires an \"sftp\" config block", c.Transport.Kind)
		}
		return sftpfs.New(c.Transport.SFTP.toTransportConfig())
	default:
		return nil, fmt.Errorf("archiveconfig: unknown transport kind %q", c.Transport.Kind)
	}
}

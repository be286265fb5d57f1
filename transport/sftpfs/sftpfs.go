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

// Package sftpfs implements transport.Transport over SFTP: one file per
// block/hunk/record, the connection dialed lazily and redialed after a
// detected failure, a host-key fingerprint checked on connect rather
// than trusting whatever the server presents.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/coldvault/coldvault/transport"
)

// Config dials and authenticates a connection to one SFTP server.
type Config struct {
	Addr            string // host or host:port; ":22" appended if no port
	User            string
	Password        string
	WantFingerprint string // SHA256 host key fingerprint, or "insecure-skip-verify"
	Root            string // remote directory the Transport is rooted at; "" means "."
	DialTimeout     time.Duration
}

// Transport implements transport.Transport over one SFTP connection,
// reconnecting lazily on demand.
type Transport struct {
	addr string
	root string // "" or relative remote path, no leading/trailing slash
	cc   *ssh.ClientConfig

	mu sync.Mutex
	sc *sftp.Client
}

// New validates cfg and returns a Transport that connects lazily on
// first use, matching the teacher sftp backend's own lazy-dial
// discipline (a live TCP connection is a poor thing to hold open across
// a long-lived archive handle that might go unused for minutes between
// operations).
func New(cfg Config) (*Transport, error) {
	if cfg.WantFingerprint == "" {
		return nil, fmt.Errorf("sftpfs: WantFingerprint is required (or \"insecure-skip-verify\")")
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cc := &ssh.ClientConfig{
		User:    cfg.User,
		Timeout: timeout,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			got := ssh.FingerprintSHA256(key)
			if got == cfg.WantFingerprint || cfg.WantFingerprint == "insecure-skip-verify" {
				return nil
			}
			return fmt.Errorf("sftpfs: unexpected host key fingerprint %q for %s; want %q", got, hostname, cfg.WantFingerprint)
		},
	}
	if cfg.Password != "" {
		cc.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	}
	return &Transport{addr: addr, root: strings.Trim(cfg.Root, "/"), cc: cc}, nil
}

func (t *Transport) client() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sc != nil {
		if _, err := t.sc.Getwd(); err == nil {
			return t.sc, nil
		}
		t.sc = nil
	}
	conn, err := ssh.Dial("tcp", t.addr, t.cc)
	if err != nil {
		return nil, fmt.Errorf("sftpfs: dial %s: %w", t.addr, err)
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftpfs: new sftp client: %w", err)
	}
	t.sc = sc
	return sc, nil
}

// markDead drops the cached client after the caller observes an I/O
// failure that might indicate a broken connection, so the next call
// redials instead of repeating the same failure.
func (t *Transport) markDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sc = nil
}

func (t *Transport) remote(relpath string) string {
	if t.root == "" {
		return relpath
	}
	return path.Join(t.root, relpath)
}

func mapErr(err error, relpath string) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
	case os.IsExist(err):
		return fmt.Errorf("%w: %v", transport.ErrAlreadyExists, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", transport.ErrPermissionDenied, err)
	default:
		return err
	}
}

func (t *Transport) Read(_ context.Context, relpath string) ([]byte, error) {
	sc, err := t.client()
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(t.remote(relpath))
	if err != nil {
		return nil, mapErr(err, relpath)
	}
	defer f.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, mapErr(err, relpath)
		}
	}
	return buf, nil
}

func (t *Transport) Write(_ context.Context, relpath string, data []byte, mode transport.WriteMode) error {
	sc, err := t.client()
	if err != nil {
		return err
	}
	full := t.remote(relpath)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if mode == transport.CreateNew {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	f, err := sc.OpenFile(full, flags)
	if err != nil {
		return mapErr(err, relpath)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		t.markDead()
		return mapErr(err, relpath)
	}
	return mapErr(f.Close(), relpath)
}

func (t *Transport) ListDir(_ context.Context, relpath string) ([]transport.Info, []transport.Info, error) {
	sc, err := t.client()
	if err != nil {
		return nil, nil, err
	}
	entries, err := sc.ReadDir(t.remote(relpath))
	if err != nil {
		return nil, nil, mapErr(err, relpath)
	}
	var files, subdirs []transport.Info
	for _, e := range entries {
		info := transport.Info{Name: e.Name(), Length: e.Size(), Mtime: e.ModTime()}
		if e.IsDir() {
			info.Kind = transport.KindDir
			subdirs = append(subdirs, info)
		} else {
			info.Kind = transport.KindFile
			files = append(files, info)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Slice(subdirs, func(i, j int) bool { return subdirs[i].Name < subdirs[j].Name })
	return files, subdirs, nil
}

func (t *Transport) CreateDir(_ context.Context, relpath string) error {
	sc, err := t.client()
	if err != nil {
		return err
	}
	return mapErr(sc.MkdirAll(t.remote(relpath)), relpath)
}

func (t *Transport) Metadata(_ context.Context, relpath string) (transport.Info, error) {
	sc, err := t.client()
	if err != nil {
		return transport.Info{}, err
	}
	fi, err := sc.Stat(t.remote(relpath))
	if err != nil {
		return transport.Info{}, mapErr(err, relpath)
	}
	kind := transport.KindFile
	if fi.IsDir() {
		kind = transport.KindDir
	}
	return transport.Info{Name: fi.Name(), Kind: kind, Length: fi.Size(), Mtime: fi.ModTime()}, nil
}

func (t *Transport) RemoveFile(_ context.Context, relpath string) error {
	sc, err := t.client()
	if err != nil {
		return err
	}
	return mapErr(sc.Remove(t.remote(relpath)), relpath)
}

// RemoveDirAll recursively removes relpath, since SFTP's RemoveDirectory
// only removes an already-empty directory.
func (t *Transport) RemoveDirAll(ctx context.Context, relpath string) error {
	sc, err := t.client()
	if err != nil {
		return err
	}
	full := t.remote(relpath)
	if err := removeAll(sc, full); err != nil {
		return mapErr(err, relpath)
	}
	return nil
}

func removeAll(sc *sftp.Client, full string) error {
	entries, err := sc.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		child := path.Join(full, e.Name())
		if e.IsDir() {
			if err := removeAll(sc, child); err != nil {
				return err
			}
			continue
		}
		if err := sc.Remove(child); err != nil {
			return err
		}
	}
	return sc.RemoveDirectory(full)
}

// Chdir returns a Transport rooted deeper in the tree. It does not share
// the parent's cached connection: each rooted Transport dials for
// itself on first use and tracks its own connection health
// independently, so marking one dead never silently affects another.
func (t *Transport) Chdir(relpath string) (transport.Transport, error) {
	return &Transport{addr: t.addr, root: t.remote(relpath), cc: t.cc}, nil
}

var _ transport.Transport = (*Transport)(nil)

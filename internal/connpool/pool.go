// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package connpool manages a pool of long-lived hypervisor connections
// keyed by URI (component C1). It owns liveness probing, a hard open
// timeout, and per-URI error bookkeeping so a dead host never surfaces as
// a fatal error to the rest of the service.
package connpool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"

	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// DefaultOpenTimeout is the hard wall-clock budget for Connect, per spec.
const DefaultOpenTimeout = 10 * time.Second

// LibvirtConn is the minimal surface of *libvirt.Connect the pool itself
// needs to probe liveness and close a handle. The pool itself does not
// use it: Dialer, the pool's entries and GetConnection all deal in
// *libvirt.Connect directly, so the reconnect/probe logic still needs a
// real hypervisor to exercise.
type LibvirtConn interface {
	GetLibVersion() (uint32, error)
	Close() (int, error)
}

// Dialer opens a new connection for uri. The production Dialer is
// DefaultDialer; tests supply a fake.
type Dialer func(uri string) (*libvirt.Connect, error)

// DefaultDialer opens a real libvirt connection.
func DefaultDialer(uri string) (*libvirt.Connect, error) {
	return libvirt.NewConnect(uri)
}

type entry struct {
	uri       string
	conn      *libvirt.Connect
	lastError error
	openedAt  time.Time
}

// Pool owns every live Connection, keyed by URI. At most one live handle
// exists per URI at any time.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*entry
	dial    Dialer
	logger  hclog.Logger
	timeout time.Duration
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithDialer overrides the dialer used to open connections; tests use
// this to avoid touching a real hypervisor.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithOpenTimeout overrides the default 10s open timeout.
func WithOpenTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// New constructs an empty Pool.
func New(logger hclog.Logger, opts ...Option) *Pool {
	p := &Pool{
		conns:   make(map[string]*entry),
		dial:    DefaultDialer,
		logger:  logger.Named("connpool"),
		timeout: DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func isSSHURI(uri string) bool {
	return strings.Contains(uri, "+ssh://") || strings.Contains(uri, "+libssh2://")
}

// Connect returns a live handle for uri, opening one if necessary. If a
// cached handle exists it is probed via a cheap library-version call
// first; a failed probe triggers a close-and-reopen. Open enforces the
// pool's hard wall-clock timeout.
func (p *Pool) Connect(ctx context.Context, uri string) (*libvirt.Connect, error) {
	if uri == "" {
		return nil, vmerrors.Invalidf("connpool: connection URI can't be empty")
	}

	p.mu.Lock()
	e, ok := p.conns[uri]
	p.mu.Unlock()

	if ok && e.conn != nil {
		if _, err := e.conn.GetLibVersion(); err == nil {
			return e.conn, nil
		}
		p.logger.Warn("stale connection failed liveness probe, reopening", "uri", uri)
		_, _ = e.conn.Close()
	}

	conn, err := p.open(ctx, uri)
	if err != nil {
		p.recordError(uri, err)
		return nil, err
	}

	p.mu.Lock()
	p.conns[uri] = &entry{uri: uri, conn: conn, openedAt: time.Now()}
	p.mu.Unlock()

	return conn, nil
}

func (p *Pool) open(ctx context.Context, uri string) (*libvirt.Connect, error) {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *libvirt.Connect
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := p.dial(uri)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, vmerrors.Connectionf(uri, r.err, "unable to open connection: %v", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		msg := "timed out opening connection"
		if isSSHURI(uri) {
			msg += "; interactive SSH passphrase prompts are not supported, ensure an ssh-agent is running with the required key loaded"
		}
		return nil, vmerrors.Timeoutf("connpool: %s: %s", uri, msg)
	}
}

func (p *Pool) recordError(uri string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.conns[uri]
	if !ok {
		e = &entry{uri: uri}
		p.conns[uri] = e
	}
	e.lastError = err
	e.conn = nil
}

// Disconnect closes the connection for uri, if any. It is idempotent;
// close errors are logged but never propagated, per spec.
func (p *Pool) Disconnect(uri string) {
	p.mu.Lock()
	e, ok := p.conns[uri]
	if ok {
		delete(p.conns, uri)
	}
	p.mu.Unlock()

	if !ok || e.conn == nil {
		return
	}
	if _, err := e.conn.Close(); err != nil {
		p.logger.Warn("error closing connection", "uri", uri, "error", err)
	}
}

// DisconnectAll closes every connection, in arbitrary order.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	uris := make([]string, 0, len(p.conns))
	for uri := range p.conns {
		uris = append(uris, uri)
	}
	p.mu.Unlock()

	for _, uri := range uris {
		p.Disconnect(uri)
	}
}

// GetConnection returns the cached handle for uri without probing or
// opening one, or nil if none is cached.
func (p *Pool) GetConnection(uri string) *libvirt.Connect {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.conns[uri]
	if !ok {
		return nil
	}
	return e.conn
}

// AllURIs returns every URI the pool currently has an entry for,
// regardless of whether the handle is currently live.
func (p *Pool) AllURIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	uris := make([]string, 0, len(p.conns))
	for uri := range p.conns {
		uris = append(uris, uri)
	}
	return uris
}

// LastError returns the most recent connection error recorded for uri,
// or nil if the last attempt succeeded or uri was never seen.
func (p *Pool) LastError(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.conns[uri]
	if !ok {
		return nil
	}
	return e.lastError
}

// IsAlive reports whether uri currently has a live, cached handle. It
// does not re-probe; call Connect to refresh liveness.
func (p *Pool) IsAlive(uri string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.conns[uri]
	return ok && e.conn != nil
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package webconsole implements the web console supervisor (component
// C10): launching and tracking the WebSocket-to-VNC proxy and any SSH
// tunnel a remote session needs, one session per VM UUID.
package webconsole

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	googuuid "github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/config"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/query"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/worker"
)

const deferredStopDelay = 2 * time.Second

// Session is one VM's active web console: the proxy process (or, in
// fallback mode, the in-process WebSocket listener) plus any SSH
// tunnel it rides on.
type Session struct {
	UUID   string
	Name   string
	URL    string
	Port   int
	proc   *exec.Cmd
	server *httpProxy // non-nil only in fallback mode
	tunnel *sshTunnel // nil when no tunnel was needed
}

type sshTunnel struct {
	controlSocket string
	userHost      string
}

// Supervisor tracks at most one active Session per VM UUID, per the
// spec's "Web Console Supervisor holds per-session records under a
// lock; process handles are owned exclusively."
type Supervisor struct {
	cfg    *config.Config
	query  *query.Service
	worker *worker.Registry
	logger hclog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Supervisor.
func New(cfg *config.Config, q *query.Service, workers *worker.Registry, logger hclog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		query:    q,
		worker:   workers,
		logger:   logger.Named("webconsole"),
		sessions: make(map[string]*Session),
	}
}

// IsRunning reports whether a session for uuid is already tracked.
func (s *Supervisor) IsRunning(uuid string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uuid]
	return sess, ok
}

// Start opens a web console for the VM identified by uri/uuid and
// returns the URL a browser should open. If a session is already
// running for this UUID, its existing URL is returned unchanged.
func (s *Supervisor) Start(ctx context.Context, uri, uuid string) (string, error) {
	if sess, ok := s.IsRunning(uuid); ok {
		return sess.URL, nil
	}

	vm, err := s.query.GetVM(ctx, uri, uuid)
	if err != nil {
		return "", err
	}
	if vm.Graphics.Type != domain.GraphicsVNC {
		return "", vmerrors.Preconditionf("webconsole: VM %s does not use VNC graphics", uuid)
	}
	if vm.Graphics.Port <= 0 {
		return "", vmerrors.Preconditionf("webconsole: VM %s has no usable VNC port", uuid)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", vmerrors.Invalidf("webconsole: unparseable connection uri %q: %v", uri, err)
	}
	host := parsed.Hostname()
	isRemoteSSH := parsed.Scheme == "qemu+ssh" && host != "" && host != "localhost" && host != "127.0.0.1"

	vncHost := vm.Graphics.Address
	if vncHost == "" || vncHost == "0.0.0.0" || vncHost == "::" {
		vncHost = "127.0.0.1"
	}

	var sess *Session
	if isRemoteSSH && s.cfg.RemoteWebConsole {
		sess, err = s.startRemote(ctx, parsed, uuid, vm.Name, vncHost, vm.Graphics.Port)
	} else {
		sess, err = s.startLocal(ctx, parsed, isRemoteSSH, uuid, vm.Name, vncHost, vm.Graphics.Port)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[uuid] = sess
	s.mu.Unlock()

	return sess.URL, nil
}

// startLocal covers both the purely-local case and the SSH-tunneled
// remote case: establish a tunnel first when the connection is remote,
// then launch the proxy against 127.0.0.1.
func (s *Supervisor) startLocal(ctx context.Context, uri *url.URL, isRemoteSSH bool, uuid, name, vncHost string, vncPort int) (*Session, error) {
	targetHost, targetPort := vncHost, vncPort
	var tunnel *sshTunnel

	if isRemoteSSH {
		userHost := sshUserHost(uri)
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		controlSocket := filepath.Join(os.TempDir(), fmt.Sprintf("vmanager_ssh_%s_%s.sock", uuid, googuuid.New().String()))
		tunnelPort, err := freePort(s.cfg.WebConsolePortStart, s.cfg.WebConsolePortEnd)
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(tctx, "ssh", "-M", "-S", controlSocket, "-f", "-N",
			"-L", fmt.Sprintf("%d:%s:%d", tunnelPort, vncHost, vncPort), userHost)
		var stderrBuf strings.Builder
		cmd.Stderr = &stderrBuf
		if err := cmd.Run(); err != nil {
			return nil, vmerrors.ExternalProcessf(err, "webconsole: ssh tunnel failed: %s", stderrBuf.String())
		}

		tunnel = &sshTunnel{controlSocket: controlSocket, userHost: userHost}
		targetHost, targetPort = "127.0.0.1", tunnelPort
	}

	webPort, urlStr, proc, srv, err := s.launchProxy(ctx, uuid, targetHost, targetPort)
	if err != nil {
		if tunnel != nil {
			s.stopTunnel(name, tunnel)
		}
		return nil, err
	}

	return &Session{UUID: uuid, Name: name, URL: urlStr, Port: webPort, proc: proc, server: srv, tunnel: tunnel}, nil
}

// launchProxy starts the WebSocket-to-VNC proxy bound to targetHost:
// targetPort. When the configured websockify binary exists on disk, it
// shells out to it (the spec-mandated path); otherwise it falls back
// to an in-process gorilla/websocket proxy so the supervisor still
// works in a minimal container image or in tests.
func (s *Supervisor) launchProxy(ctx context.Context, uuid, targetHost string, targetPort int) (int, string, *exec.Cmd, *httpProxy, error) {
	webPort, err := freePort(s.cfg.WebConsolePortStart, s.cfg.WebConsolePortEnd)
	if err != nil {
		return 0, "", nil, nil, err
	}

	scheme := "ws"
	if s.cfg.HasTLS() {
		scheme = "wss"
	}

	if _, lookErr := exec.LookPath(s.cfg.WebsockifyPath); lookErr == nil {
		args := []string{"--run-once", fmt.Sprintf("%d", webPort), fmt.Sprintf("%s:%d", targetHost, targetPort), "--web", s.cfg.NoVNCPath}
		if s.cfg.HasTLS() {
			args = append(args, "--cert", s.cfg.TLSCertPath, "--key", s.cfg.TLSKeyPath)
		}
		cmd := exec.Command(s.cfg.WebsockifyPath, args...)
		outBuf := &safeBuffer{}
		cmd.Stdout = outBuf
		cmd.Stderr = outBuf

		if err := cmd.Start(); err != nil {
			return 0, "", nil, nil, vmerrors.ExternalProcessf(err, "webconsole: unable to start websockify")
		}

		// Supervision outlives the request context that started it: the
		// proxy keeps running until its client connects and disconnects
		// or Stop/TerminateAll cancels it explicitly.
		s.worker.Run(context.Background(), "console_"+uuid, true, func(runCtx context.Context) error {
			return s.superviseProcess(runCtx, uuid, cmd, outBuf)
		})

		url := fmt.Sprintf("%s://localhost:%d/vnc.html?path=websockify&quality=%d&compression=%d", httpScheme(scheme), webPort, s.cfg.VNCQuality, s.cfg.VNCCompression)
		return webPort, url, cmd, nil, nil
	}

	srv, err := newHTTPProxy(fmt.Sprintf("127.0.0.1:%d", webPort), targetHost, targetPort, s.logger)
	if err != nil {
		return 0, "", nil, nil, err
	}
	go srv.serve()

	url := fmt.Sprintf("%s://localhost:%d/websockify", scheme, webPort)
	return webPort, url, nil, srv, nil
}

// superviseProcess watches the websockify process's combined output for
// its "client connected" line and schedules the one-shot proxy's
// cleanup 2 seconds after, per the spec's deferred-stop behavior; it
// also returns as soon as the process exits on its own.
func (s *Supervisor) superviseProcess(ctx context.Context, uuid string, cmd *exec.Cmd, out *safeBuffer) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	stopScheduled := false

	for {
		select {
		case err := <-waitCh:
			return err
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waitCh
			return ctx.Err()
		case <-ticker.C:
			if !stopScheduled && strings.Contains(strings.ToLower(out.String()), "client connect") {
				stopScheduled = true
				time.AfterFunc(deferredStopDelay, func() {
					s.Stop(uuid)
				})
			}
		}
	}
}

func (s *Supervisor) startRemote(ctx context.Context, uri *url.URL, uuid, name, vncHost string, vncPort int) (*Session, error) {
	userHost := sshUserHost(uri)
	host := uri.Hostname()

	webPort, err := freePort(s.cfg.WebConsolePortStart, s.cfg.WebConsolePortEnd)
	if err != nil {
		return nil, err
	}

	remoteCmd := []string{s.cfg.WebsockifyPath, "--run-once", fmt.Sprintf("%d", webPort), fmt.Sprintf("%s:%d", vncHost, vncPort), "--web", s.cfg.NoVNCPath}
	scheme := "ws"

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	checkCmd := "if [ -f ~/.config/vmanager/cert.pem ] && [ -f ~/.config/vmanager/key.pem ]; then echo cert_exists; else echo no_cert; fi"
	probe := exec.CommandContext(probeCtx, "ssh", userHost, checkCmd)
	probeOut, probeErr := probe.Output()
	if probeErr == nil && strings.Contains(string(probeOut), "cert_exists") {
		remoteCmd = append(remoteCmd, "--cert", "~/.config/vmanager/cert.pem", "--key", "~/.config/vmanager/key.pem")
		scheme = "wss"
	} else if probeErr != nil {
		s.logger.Warn("could not probe remote cert/key, proceeding without SSL", "error", probeErr)
	}

	cmd := exec.Command("ssh", userHost, strings.Join(remoteCmd, " "))
	outBuf := &safeBuffer{}
	cmd.Stdout = outBuf
	cmd.Stderr = outBuf
	if err := cmd.Start(); err != nil {
		return nil, vmerrors.ExternalProcessf(err, "webconsole: unable to start remote websockify over ssh")
	}

	s.worker.Run(context.Background(), "console_"+uuid, true, func(runCtx context.Context) error {
		return s.superviseProcess(runCtx, uuid, cmd, outBuf)
	})

	url := fmt.Sprintf("%s://%s:%d/vnc.html?path=websockify&quality=%d&compression=%d", httpScheme(scheme), host, webPort, s.cfg.VNCQuality, s.cfg.VNCCompression)
	return &Session{UUID: uuid, Name: name, URL: url, Port: webPort, proc: cmd}, nil
}

// Stop terminates the proxy (process or in-process listener) tracked
// for uuid and, if present, its SSH tunnel.
func (s *Supervisor) Stop(uuid string) {
	s.mu.Lock()
	sess, ok := s.sessions[uuid]
	if ok {
		delete(s.sessions, uuid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.worker.Cancel("console_" + uuid)

	if sess.proc != nil && sess.proc.Process != nil {
		_ = sess.proc.Process.Kill()
	}
	if sess.server != nil {
		sess.server.close()
	}
	if sess.tunnel != nil {
		s.stopTunnel(sess.Name, sess.tunnel)
	}
}

// TerminateAll stops every tracked session, for app shutdown.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	uuids := make([]string, 0, len(s.sessions))
	for uuid := range s.sessions {
		uuids = append(uuids, uuid)
	}
	s.mu.Unlock()

	for _, uuid := range uuids {
		s.Stop(uuid)
	}
}

func (s *Supervisor) stopTunnel(vmName string, t *sshTunnel) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh", "-S", t.controlSocket, "-O", "exit", "dummy-host")
	if err := cmd.Run(); err != nil {
		s.logger.Warn("could not cleanly stop ssh tunnel", "vm", vmName, "error", err)
	}
	if _, err := os.Stat(t.controlSocket); err == nil {
		_ = os.Remove(t.controlSocket)
	}
}

func sshUserHost(u *url.URL) string {
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			return name + "@" + u.Hostname()
		}
	}
	return u.Hostname()
}

func httpScheme(wsScheme string) string {
	if wsScheme == "wss" {
		return "https"
	}
	return "http"
}

// safeBuffer collects a subprocess's combined stdout/stderr under a
// mutex: cmd.Wait's internal copy goroutine writes concurrently with
// the supervisor goroutine polling String() for the "client connected"
// marker.
type safeBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(start, end int) (int, error) {
	for p := start; p <= end; p++ {
		addr := fmt.Sprintf("127.0.0.1:%d", p)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			_ = ln.Close()
			return p, nil
		}
	}
	return 0, vmerrors.Preconditionf("webconsole: no free port in range [%d, %d]", start, end)
}

// httpProxy is the gorilla/websocket fallback used when no websockify
// binary is installed: it upgrades one WebSocket connection and pumps
// bytes to and from the VNC TCP endpoint until either side closes.
type httpProxy struct {
	listener net.Listener
	srv      *http.Server
	logger   hclog.Logger
}

func newHTTPProxy(listenAddr, vncHost string, vncPort int, logger hclog.Logger) (*httpProxy, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "webconsole: unable to bind fallback proxy listener")
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/websockify", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("fallback proxy upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		tcpConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", vncHost, vncPort), 5*time.Second)
		if err != nil {
			logger.Warn("fallback proxy could not reach vnc endpoint", "error", err)
			return
		}
		defer tcpConn.Close()

		pumpWebSocketToTCP(conn, tcpConn)
	})

	p := &httpProxy{listener: ln, srv: &http.Server{Handler: mux}, logger: logger}
	return p, nil
}

func (p *httpProxy) serve() {
	if err := p.srv.Serve(p.listener); err != nil && err != http.ErrServerClosed {
		p.logger.Warn("fallback proxy serve exited", "error", err)
	}
}

func (p *httpProxy) close() {
	_ = p.srv.Close()
}

// pumpWebSocketToTCP copies binary WebSocket frames to the TCP
// connection and vice versa until either side errs out or closes.
func pumpWebSocketToTCP(ws *websocket.Conn, tcp net.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if _, err := tcp.Write(data); err != nil {
			break
		}
	}
	<-done
}

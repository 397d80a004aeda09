package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// scriptEntry is one canned exec response.
type scriptEntry struct {
	stdout   string
	exit     int
	delay    time.Duration
	killConn bool
}

// testServer is a minimal in-process SSH server that mimics the device:
// configurable auth behavior, scripted exec responses that understand the
// login-shell and background wrappers, and a real SFTP subsystem.
type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu         sync.Mutex
	handshakes int
	refuseLeft int
	execs      int
	script     map[string]scriptEntry
	conns      map[net.Conn]struct{}
}

// noneAuthConfig accepts "none" authentication, like factory firmware.
func noneAuthConfig() *ssh.ServerConfig {
	return &ssh.ServerConfig{NoClientAuth: true}
}

// passwordAuthConfig accepts exactly the given password (which may be
// empty) and rejects everything else, including "none".
func passwordAuthConfig(password string) *ssh.ServerConfig {
	return &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(c.User(), "", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
}

// noneAfterConfig rejects "none" auth until it has been attempted n
// times on this server, like daemon builds that only accept none on a
// fresh transport.
func noneAfterConfig(n int) *ssh.ServerConfig {
	var mu sync.Mutex
	seen := 0
	return &ssh.ServerConfig{
		NoClientAuth: true,
		NoClientAuthCallback: func(c ssh.ConnMetadata) (*ssh.Permissions, error) {
			mu.Lock()
			defer mu.Unlock()
			seen++
			if seen >= n {
				return nil, nil
			}
			return nil, fmt.Errorf("none rejected")
		},
	}
}

func newTestServer(t *testing.T, config *ssh.ServerConfig) *testServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		t:        t,
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		script:   make(map[string]scriptEntry),
		conns:    make(map[net.Conn]struct{}),
	}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()
	s.dropConnections()
}

// dropConnections severs every live connection, simulating the device
// killing TCP without warning.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	clear(s.conns)
}

// respond registers a canned response for an exec'd command, keyed by
// the inner command as it looked before login-shell wrapping.
func (s *testServer) respond(command, stdout string, exit int) {
	s.respondSlow(command, stdout, exit, 0)
}

func (s *testServer) respondSlow(command, stdout string, exit int, delay time.Duration) {
	s.mu.Lock()
	s.script[command] = scriptEntry{stdout: stdout, exit: exit, delay: delay}
	s.mu.Unlock()
}

// refuse makes the server drop the next n TCP connections before the
// handshake, which the client sees as a transient banner failure.
func (s *testServer) refuse(n int) {
	s.mu.Lock()
	s.refuseLeft = n
	s.mu.Unlock()
}

// respondKill makes the server sever the connection mid-command, once.
// The scripted entry is removed so a retried command succeeds.
func (s *testServer) respondKill(command string) {
	s.mu.Lock()
	s.script[command] = scriptEntry{killConn: true}
	s.mu.Unlock()
}

// handshakeCount reports how many connections authenticated successfully.
func (s *testServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// execCount reports how many exec requests reached the server.
func (s *testServer) execCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	s.mu.Lock()
	if s.refuseLeft > 0 {
		s.refuseLeft--
		s.mu.Unlock()
		return
	}
	s.conns[netConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, netConn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.handshakes++
	s.mu.Unlock()

	// Reply to keepalive probes so liveness checks pass.
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			command := string(req.Payload[4:])
			s.handleExec(channel, command)
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

var bgLogPattern = regexp.MustCompile(`/tmp/pega_bg_\d+\.log`)

func (s *testServer) handleExec(channel ssh.Channel, wire string) {
	inner := unwrapExec(wire)

	s.mu.Lock()
	s.execs++
	s.mu.Unlock()

	// Detached-launch wrapper: report a fake PID and the log path the
	// wrapper embeds.
	if strings.Contains(inner, bgStartedMarker) {
		logPath := bgLogPattern.FindString(inner)
		fmt.Fprintf(channel, "%s4242\n%s%s\n", bgStartedMarker, bgLogMarker, logPath)
		sendExit(channel, 0)
		return
	}

	s.mu.Lock()
	entry, ok := s.script[inner]
	if ok && entry.killConn {
		delete(s.script, inner)
	}
	s.mu.Unlock()

	if ok && entry.killConn {
		s.dropConnections()
		return
	}

	if !ok {
		// Echo is common enough to handle generically.
		if rest, found := strings.CutPrefix(inner, "echo "); found {
			entry = scriptEntry{stdout: strings.Trim(rest, "'\"") + "\n"}
		} else {
			entry = scriptEntry{stdout: "sh: " + inner + ": not found\n", exit: 127}
		}
	}

	// Output goes out before any scripted stall so a timed-out command
	// still yields its partial output.
	if entry.stdout != "" {
		channel.Write([]byte(entry.stdout))
	}
	if entry.delay > 0 {
		time.Sleep(entry.delay)
	}
	sendExit(channel, entry.exit)
}

func sendExit(channel ssh.Channel, code int) {
	channel.SendRequest("exit-status", false, []byte{
		byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code),
	})
}

// unwrapExec strips the login-shell wrapping so scripted responses key
// on the original command text.
func unwrapExec(wire string) string {
	inner := wire
	if rest, ok := strings.CutPrefix(inner, "sh -lc '"); ok {
		inner = strings.TrimSuffix(rest, "' 2>&1")
	} else if rest, ok := strings.CutPrefix(inner, "bash -lc '"); ok {
		// Fallback form runs the same command twice; keep the first.
		if idx := strings.Index(rest, "' 2>&1 || sh -lc '"); idx >= 0 {
			inner = rest[:idx]
		}
	}
	return strings.ReplaceAll(inner, `'"'"'`, "'")
}

// freezeProxy relays TCP between the client and the test server and can
// freeze: established sockets stay open but nothing is forwarded and no
// new connections are accepted, like a device losing power behind a
// switch.
type freezeProxy struct {
	listener net.Listener
	addr     string

	mu     sync.Mutex
	frozen bool
	conns  []net.Conn
}

func newFreezeProxy(t *testing.T, backend string) *freezeProxy {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	p := &freezeProxy{listener: listener, addr: listener.Addr().String()}
	go p.serve(backend)
	t.Cleanup(p.close)
	return p
}

func (p *freezeProxy) serve(backend string) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		upstream, err := net.Dial("tcp", backend)
		if err != nil {
			conn.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn, upstream)
		p.mu.Unlock()
		go p.relay(conn, upstream)
		go p.relay(upstream, conn)
	}
}

func (p *freezeProxy) relay(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		frozen := p.frozen
		p.mu.Unlock()
		if frozen {
			// Swallow traffic but keep both sockets open.
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (p *freezeProxy) freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
	p.listener.Close()
}

func (p *freezeProxy) close() {
	p.listener.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
}

// testConfig returns a Config aimed at the test server with timers
// shrunk to keep tests fast.
func testConfig(t *testing.T, addr string) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split address %q: %v", addr, err)
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.ConnectTimeout = 5 * time.Second
	cfg.BannerTimeout = 5 * time.Second
	cfg.AuthTimeout = 5 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.Retry.Backoffs = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
	return cfg
}

// connectTest negotiates a session against the test server and registers
// cleanup.
func connectTest(t *testing.T, cfg *Config) *Session {
	t.Helper()
	sess, err := NewNegotiator(cfg, nil).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

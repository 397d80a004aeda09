package ssh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// closeGrace is how long Close waits for the transport to shut down in
// the foreground before handing teardown to a background goroutine.
const closeGrace = time.Second

// pingTimeout bounds the liveness and keep-alive probes. A power-cut
// device leaves the connection half-open and never answers, so the
// reply is awaited off-lock and under this deadline.
const pingTimeout = 2 * time.Second

// Session wraps one live authenticated transport. The authenticated flag
// transitions true exactly once, when the negotiator hands the session
// out; once the transport reports inactive the session is permanently
// dead and must never be reused.
type Session struct {
	client *ssh.Client
	config *Config

	mu            sync.Mutex
	authenticated bool
	alive         bool
	lastUsed      time.Time

	sftpClient *sftp.Client

	keepAliveStop chan struct{}
	closeOnce     sync.Once

	// runMu serializes command batches on this session. Connection
	// acquisition alone does not make concurrent batches safe, so
	// execution is serialized here.
	runMu sync.Mutex
}

// newSession wraps a freshly authenticated client and starts keep-alive.
func newSession(client *ssh.Client, config *Config) *Session {
	s := &Session{
		client:        client,
		config:        config,
		authenticated: true,
		alive:         true,
		lastUsed:      time.Now(),
		keepAliveStop: make(chan struct{}),
	}
	if config.KeepAliveInterval > 0 {
		go s.keepAlive()
	}
	return s
}

// IsAlive performs a real liveness probe against the transport. The
// device closes TCP connections without warning, so an in-memory flag is
// not enough; a failed or unanswered probe permanently marks the session
// dead. The wire call runs outside the session lock and is bounded by
// pingTimeout so a half-open connection cannot wedge callers.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	client := s.client
	alive := s.alive
	s.mu.Unlock()

	if !alive || client == nil {
		return false
	}
	if err := ping(client); err != nil {
		log.Debug().Err(err).Msg("liveness probe failed, marking session dead")
		s.markDead()
		return false
	}
	return true
}

// ping sends one keepalive request and waits at most pingTimeout for
// the reply. The request goroutine unblocks once the transport closes.
func ping(client *ssh.Client) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(pingTimeout):
		return fmt.Errorf("no keepalive reply within %s", pingTimeout)
	}
}

// Touch updates the last-used timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has been unused.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// User returns the authenticated username.
func (s *Session) User() string { return s.config.User }

// Address returns the remote endpoint.
func (s *Session) Address() string { return s.config.Address() }

// Close tears the session down, best effort and bounded. The SFTP
// sub-channel goes first so a stuck transfer cannot wedge the transport
// close; if the transport itself hangs, a background goroutine finishes
// the job so the caller's shutdown path is not delayed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.keepAliveStop)

		s.mu.Lock()
		s.alive = false
		sftpClient := s.sftpClient
		s.sftpClient = nil
		client := s.client
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			if sftpClient != nil {
				_ = sftpClient.Close()
			}
			if client != nil {
				_ = client.Close()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeGrace):
			log.Warn().Str("host", s.config.Host).Msg("session close is slow, finishing in background")
		}
	})
}

// markDead flags the session unusable after a transport-level failure.
func (s *Session) markDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// open creates a new exec channel. A failure here means the transport is
// gone, not that a command failed.
func (s *Session) open() (*ssh.Session, error) {
	s.mu.Lock()
	client := s.client
	alive := s.alive
	s.mu.Unlock()

	if !alive || client == nil {
		return nil, &SessionDeadError{Op: "open", Err: fmt.Errorf("session not active")}
	}
	raw, err := client.NewSession()
	if err != nil {
		s.markDead()
		return nil, &SessionDeadError{Op: "open", Err: err}
	}
	return raw, nil
}

// sftp returns a lazily created SFTP client over this session.
func (s *Session) sftp() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive || s.client == nil {
		return nil, &SessionDeadError{Op: "sftp", Err: fmt.Errorf("session not active")}
	}
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &SessionDeadError{Op: "sftp", Err: err}
	}
	s.sftpClient = client
	return client, nil
}

// keepAlive pings the transport so the device's idle disconnect does not
// fire between command bursts.
func (s *Session) keepAlive() {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.keepAliveStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		client := s.client
		alive := s.alive
		s.mu.Unlock()
		if !alive || client == nil {
			return
		}

		if err := ping(client); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= s.config.MaxKeepAliveRetries {
				log.Error().Str("host", s.config.Host).Msg("keep-alive failed repeatedly, marking session dead")
				s.markDead()
				return
			}
		} else {
			failures = 0
		}
	}
}

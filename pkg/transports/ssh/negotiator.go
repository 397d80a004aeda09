package ssh

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// RetryNotice is called before each backoff sleep so the caller can show
// progress instead of silence while the device recovers.
type RetryNotice func(delay time.Duration, attempt, total int)

// Negotiator owns connection bring-up against one endpoint. The device's
// SSH daemon is a minimal implementation that intermittently drops the
// banner exchange and advertises auth methods inconsistently, so each
// attempt walks a three-step fallback chain before the outer loop backs
// off and retries.
type Negotiator struct {
	config  *Config
	onRetry RetryNotice
}

// NewNegotiator creates a negotiator for the given device. onRetry may
// be nil.
func NewNegotiator(config *Config, onRetry RetryNotice) *Negotiator {
	return &Negotiator{config: config, onRetry: onRetry}
}

// Connect establishes an authenticated session, retrying per the config's
// RetryPolicy. It never returns a half-authenticated handle: the result
// is either a live Session or a ConnectError wrapping the last failure.
func (n *Negotiator) Connect(ctx context.Context) (*Session, error) {
	if err := n.config.Validate(); err != nil {
		return nil, err
	}

	retry := n.config.Retry
	attempts := 0
	var lastErr error

	for {
		attempts++
		client, err := n.attemptChain(ctx)
		if err == nil {
			log.Info().
				Str("address", n.config.Address()).
				Str("user", n.config.User).
				Int("attempt", attempts).
				Msg("ssh connection established")
			return newSession(client, n.config), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempts > len(retry.Backoffs) {
			break
		}
		if !retry.classify(err) {
			log.Debug().Err(err).Msg("connect error is not transient, giving up")
			break
		}

		delay := retry.Backoffs[attempts-1]
		if n.onRetry != nil {
			n.onRetry(delay, attempts, len(retry.Backoffs))
		}
		log.Warn().
			Err(err).
			Dur("backoff", delay).
			Int("attempt", attempts).
			Int("max", len(retry.Backoffs)).
			Msg("device busy, retrying")

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	return nil, &ConnectError{
		Host:     n.config.Host,
		Port:     n.config.Port,
		User:     n.config.User,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// attemptChain runs the per-iteration fallback chain:
//
//  1. connect with no explicit credentials (the library offers "none"),
//  2. connect with the configured password, which may be empty,
//  3. tear down and rebuild the transport, then authenticate with an
//     explicit "none" on the fresh connection. Some daemon builds only
//     accept a none auth on a transport that has not seen a failed
//     password exchange.
func (n *Negotiator) attemptChain(ctx context.Context) (*ssh.Client, error) {
	client, err := n.dial(ctx, n.config.buildClientConfig(false))
	if err == nil {
		return client, nil
	}
	log.Debug().Err(err).Msg("credential-less connect failed")

	client, err2 := n.dial(ctx, n.config.buildClientConfig(true))
	if err2 == nil {
		return client, nil
	}
	log.Debug().Err(err2).Msg("password connect failed")

	client, err3 := n.dial(ctx, &ssh.ClientConfig{
		User:            n.config.User,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         n.config.ConnectTimeout,
	})
	if err3 == nil {
		log.Info().Msg("explicit none authentication succeeded")
		return client, nil
	}
	log.Debug().Err(err3).Msg("none-auth connect failed")
	return nil, err3
}

// dial opens a fresh TCP connection and runs the SSH handshake under the
// configured deadlines. The handshake (banner + auth) gets its own bound
// because the library's Timeout only covers the TCP dial.
func (n *Negotiator) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		conn, err := net.DialTimeout("tcp", n.config.Address(), n.config.ConnectTimeout)
		if err != nil {
			resultCh <- dialResult{err: err}
			return
		}
		if timeout := n.config.handshakeTimeout(); timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, n.config.Address(), clientConfig)
		if err != nil {
			_ = conn.Close()
			resultCh <- dialResult{err: err}
			return
		}
		_ = conn.SetDeadline(time.Time{})
		resultCh <- dialResult{client: ssh.NewClient(ncc, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine cleans up after itself when it finishes.
		go func() {
			if r := <-resultCh; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.client, r.err
	}
}

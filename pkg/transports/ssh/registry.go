package ssh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dutctl/dutctl/pkg/telemetry"
)

// Registry is the process-wide single-slot cache of the persistent
// session. Reusing one warm connection across rapid command bursts avoids
// the multi-second handshake-and-retry cost; the idle monitor bounds the
// downside of holding a connection open forever.
//
// Registries are plain injectable values, not hidden singletons; tests
// instantiate as many independent ones as they like.
type Registry struct {
	config     *Config
	negotiator *Negotiator
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	session *Session

	monitorOnce sync.Once
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewRegistry creates a registry for one device. metrics may be nil.
func NewRegistry(config *Config, onRetry RetryNotice, metrics *telemetry.Metrics) *Registry {
	notice := func(delay time.Duration, attempt, total int) {
		metrics.RecordConnectRetry()
		if onRetry != nil {
			onRetry(delay, attempt, total)
		}
	}
	return &Registry{
		config:     config,
		negotiator: NewNegotiator(config, notice),
		metrics:    metrics,
		stop:       make(chan struct{}),
	}
}

// Acquire returns the cached session when it is still alive, touching its
// last-used timestamp and performing no network activity. Otherwise any
// stale handle is evicted and a fresh handshake is negotiated.
func (r *Registry) Acquire(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		if r.session.IsAlive() {
			r.session.Touch()
			r.metrics.RecordSessionReuse()
			log.Debug().Str("address", r.config.Address()).Msg("reusing persistent session")
			return r.session, nil
		}
		log.Info().Str("address", r.config.Address()).Msg("cached session is dead, evicting")
		r.session.Close()
		r.session = nil
		r.metrics.SetLiveSessions(0)
	}

	session, err := r.negotiator.Connect(ctx)
	if err != nil {
		r.metrics.RecordHandshake("failed")
		return nil, err
	}
	r.metrics.RecordHandshake("ok")
	r.metrics.SetLiveSessions(1)
	r.session = session

	// The idle monitor starts lazily with the first real connection.
	r.monitorOnce.Do(func() {
		if r.config.IdleTimeout > 0 {
			go r.monitor()
		}
	})

	return session, nil
}

// ConnectTransient negotiates a one-off session that is never cached.
// The caller owns it and must Close it.
func (r *Registry) ConnectTransient(ctx context.Context) (*Session, error) {
	return r.negotiator.Connect(ctx)
}

// ForceDrop closes and evicts the cached session immediately, bypassing
// the idle check. Used for explicit "disconnect now" at shutdown.
func (r *Registry) ForceDrop() {
	r.mu.Lock()
	session := r.session
	r.session = nil
	r.mu.Unlock()

	if session != nil {
		session.Close()
		r.metrics.SetLiveSessions(0)
		log.Info().Str("address", r.config.Address()).Msg("persistent session dropped")
	}
}

// Close stops the idle monitor and drops any cached session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.ForceDrop()
}

// monitor reaps the cached session once it has been idle past the
// configured threshold, so a forgotten GUI does not leak a half-dead
// connection indefinitely.
func (r *Registry) monitor() {
	ticker := time.NewTicker(r.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		session := r.session
		var idle time.Duration
		if session != nil {
			idle = session.IdleFor()
			if idle < r.config.IdleTimeout {
				session = nil
			} else {
				r.session = nil
			}
		}
		r.mu.Unlock()

		if session != nil {
			session.Close()
			r.metrics.RecordIdleReap()
			r.metrics.SetLiveSessions(0)
			log.Info().
				Dur("idle", idle).
				Str("address", r.config.Address()).
				Msg("persistent session reaped after idle timeout")
		}
	}
}

package ssh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLivenessProbe(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	cfg := testConfig(t, server.addr)
	sess := connectTest(t, cfg)

	assert.True(t, sess.IsAlive())
	assert.True(t, sess.IsAlive(), "probe must be repeatable")

	// Kill the TCP connection out from under the session, as the device
	// does. The probe must notice and the session stays dead.
	server.dropConnections()

	require.Eventually(t, func() bool { return !sess.IsAlive() },
		2*time.Second, 20*time.Millisecond, "probe should detect the dead transport")
	assert.False(t, sess.IsAlive(), "a dead session must never revive")
}

func TestLivenessProbeBoundedOnHalfOpenTransport(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	proxy := newFreezeProxy(t, server.addr)
	cfg := testConfig(t, proxy.addr)
	sess := connectTest(t, cfg)

	require.True(t, sess.IsAlive())

	// Power-cut behavior: the TCP path stays open but nothing moves, so
	// the probe gets no reply and no connection error either.
	proxy.freeze()

	start := time.Now()
	assert.False(t, sess.IsAlive(), "an unanswered probe means dead")
	assert.Less(t, time.Since(start), pingTimeout+time.Second, "the probe must not block past its deadline")
	assert.False(t, sess.IsAlive())

	start = time.Now()
	sess.Close()
	assert.Less(t, time.Since(start), closeGrace+time.Second)
}

func TestAcquireNotWedgedByHalfOpenSession(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	proxy := newFreezeProxy(t, server.addr)
	cfg := testConfig(t, proxy.addr)
	registry := newTestRegistry(t, cfg)

	_, err := registry.Acquire(context.Background())
	require.NoError(t, err)

	proxy.freeze()

	// The cached session is half-open. Acquire must probe it under its
	// deadline, evict it and fail the reconnect promptly, not hang.
	start := time.Now()
	_, err = registry.Acquire(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), pingTimeout+closeGrace+3*time.Second)

	// Nor may the dead cache wedge teardown.
	start = time.Now()
	registry.ForceDrop()
	assert.Less(t, time.Since(start), closeGrace+time.Second)
}

func TestSessionTouchAndIdle(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	sess := connectTest(t, testConfig(t, server.addr))

	time.Sleep(50 * time.Millisecond)
	idle := sess.IdleFor()
	assert.GreaterOrEqual(t, idle, 50*time.Millisecond)

	sess.Touch()
	assert.Less(t, sess.IdleFor(), idle)
}

func TestSessionCloseIsIdempotentAndBounded(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	sess := connectTest(t, testConfig(t, server.addr))

	start := time.Now()
	sess.Close()
	sess.Close()
	assert.Less(t, time.Since(start), closeGrace+500*time.Millisecond)
	assert.False(t, sess.IsAlive())
}

func TestSessionOpenAfterClose(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	sess := connectTest(t, testConfig(t, server.addr))
	sess.Close()

	_, err := sess.open()
	var dead *SessionDeadError
	require.ErrorAs(t, err, &dead)
	assert.Equal(t, "open", dead.Op)
}

func TestSessionIdentity(t *testing.T) {
	server := newTestServer(t, noneAuthConfig())
	cfg := testConfig(t, server.addr)
	sess := connectTest(t, cfg)

	assert.Equal(t, "testuser", sess.User())
	assert.Equal(t, cfg.Address(), sess.Address())
}

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/dutctl/dutctl/pkg/commands"
	"github.com/dutctl/dutctl/pkg/telemetry"
)

// Background launch markers printed by the remote wrapper script.
const (
	bgStartedMarker = "PEGA_BG_STARTED:"
	bgLogMarker     = "PEGA_BG_LOG:"
)

// showSettle is the short pause after a show: directive, so bursts of
// local messages stay readable in order.
const showSettle = 200 * time.Millisecond

// heavyKeywords mark commands after which the device needs a longer
// cooldown before the next transient batch.
var heavyKeywords = []string{
	"stream", "gst-launch", "ffmpeg", "play", "start_rtsp", "rtsp",
	"diag -g iv", "diag -s video", "diag -s ai", "diag -s audio play",
}

// RunOptions configure one batch execution.
type RunOptions struct {
	// Timeout is the per-command hard timeout. Zero uses the config's
	// CommandTimeout.
	Timeout time.Duration

	// EndMarker stops the batch early when it appears in a command's
	// stdout.
	EndMarker string

	// Transient negotiates a one-off session for this batch instead of
	// the persistent cached one, and closes it afterwards.
	Transient bool
}

// Executor runs command batches against the device, streaming output and
// classification tags to its event sink. Commands in one batch execute
// strictly in order; output for command i is fully emitted (or declared
// timed out) before command i+1 starts.
type Executor struct {
	registry *Registry
	config   *Config
	sink     EventSink
	metrics  *telemetry.Metrics
}

// NewExecutor creates an executor bound to a session registry. sink and
// metrics may be nil.
func NewExecutor(registry *Registry, sink EventSink, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		registry: registry,
		config:   registry.config,
		sink:     sink,
		metrics:  metrics,
	}
}

func (e *Executor) emit(ev Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

func (e *Executor) notice(tag, format string, args ...any) {
	e.emit(Event{Kind: EventNotice, Tag: tag, Text: fmt.Sprintf(format, args...)})
}

// Run executes a batch of parsed commands. Local directives never touch
// the network; everything else goes to the device through one session,
// re-acquired at most once if the transport dies mid-batch.
func (e *Executor) Run(ctx context.Context, specs []commands.Spec, opts RunOptions) ([]CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.CommandTimeout
	}

	batchID := uuid.NewString()[:8]
	logger := log.With().Str("batch", batchID).Logger()
	logger.Info().Int("commands", len(specs)).Dur("timeout", timeout).Msg("starting command batch")

	acquire := func() (*Session, error) {
		if opts.Transient {
			return e.registry.ConnectTransient(ctx)
		}
		return e.registry.Acquire(ctx)
	}

	sess, err := acquire()
	if err != nil {
		return nil, err
	}
	sess.runMu.Lock()
	defer func() {
		sess.runMu.Unlock()
		if opts.Transient {
			sess.Close()
		}
	}()

	e.notice(TagInfo, "[SSH] connected to %s@%s", sess.User(), sess.Address())
	e.notice(TagInfo, "[SSH] executing %d commands", len(specs))

	// dispatch runs one remote command and performs the single
	// re-acquire-and-retry when the session itself died mid-flight.
	reacquired := false
	dispatch := func(run func(*Session) (CommandResult, error)) (CommandResult, error) {
		result, err := run(sess)
		var dead *SessionDeadError
		if err == nil || !errors.As(err, &dead) {
			return result, err
		}
		if reacquired {
			return result, err
		}
		reacquired = true

		e.notice(TagWarning, "[SSH] session died (%v), reconnecting once", dead.Err)
		logger.Warn().Err(dead).Msg("session died mid-command, re-acquiring")

		old := sess
		old.runMu.Unlock()
		if opts.Transient {
			old.Close()
		}
		fresh, acqErr := acquire()
		if acqErr != nil {
			old.runMu.Lock() // keep the deferred unlock balanced
			return result, err
		}
		fresh.runMu.Lock()
		sess = fresh
		return run(sess)
	}

	results := make([]CommandResult, 0, len(specs))
	stopped := false

batch:
	for i, spec := range specs {
		if ctx.Err() != nil {
			e.emit(Event{Kind: EventStopped, Tag: TagWarning, Text: "[SSH] stopped by user"})
			logger.Info().Msg("batch stopped by user")
			stopped = true
			break
		}

		e.emit(Event{Kind: EventProgress, Percent: i * 100 / len(specs)})

		switch spec.Directive {
		case commands.DirectiveShow:
			e.notice(TagInfo, "[local] %s", spec.Message)
			sleepCtx(ctx, showSettle)
			continue

		case commands.DirectiveDelay:
			e.notice(TagInfo, "[local wait] %.3fs", spec.Delay.Seconds())
			sleepCtx(ctx, spec.Delay)
			continue
		}

		e.notice(TagSend, "[SSH send] %s", spec.Raw)

		var result CommandResult
		var runErr error
		if spec.Background {
			result, runErr = dispatch(func(s *Session) (CommandResult, error) {
				return e.launchBackground(s, spec.Text, timeout)
			})
		} else {
			result, runErr = dispatch(func(s *Session) (CommandResult, error) {
				return e.execute(s, spec.Text, timeout, e.streamChunks)
			})
		}
		result.Command = spec.Raw
		if runErr != nil {
			e.notice(TagError, "[error] %v", runErr)
			results = append(results, result)
			return results, runErr
		}

		switch {
		case result.Background:
			if result.PID > 0 {
				e.notice(TagInfo, "[SSH] background process started, pid=%d log=%s", result.PID, result.LogPath)
			} else {
				e.notice(TagError, "[error] %s", result.Stderr)
			}

		case result.TimedOut:
			e.notice(TagWarning, "[warning] command timed out after %s", timeout)

		case result.ExitCode == ExitNotFound && e.isDiagnostic(spec.Text):
			e.notice(TagWarning, "[warning] exit code 127, command not found, trying absolute paths")
			result = e.pathFallback(spec.Text, timeout, result, dispatch)

		case result.ExitCode != 0:
			e.notice(TagWarning, "[warning] exit code: %d", result.ExitCode)
		}

		results = append(results, result)
		e.notice(TagInfo, "===")

		if opts.EndMarker != "" && strings.Contains(result.Stdout, opts.EndMarker) {
			e.emit(Event{
				Kind: EventEndMarker,
				Tag:  TagEnd,
				Text: fmt.Sprintf("[SSH] end marker %q found, stopping", opts.EndMarker),
			})
			logger.Info().Str("marker", opts.EndMarker).Msg("end marker found, skipping remaining commands")
			break batch
		}

		if i < len(specs)-1 {
			sleepCtx(ctx, e.config.SettleDelay)
		}
	}

	e.emit(Event{Kind: EventProgress, Percent: 100})
	if !stopped {
		e.emit(Event{Kind: EventDone, Tag: TagDone, Text: "[SSH] all commands complete"})
	}

	if opts.Transient {
		e.cooldownAdvisory(specs)
	}

	logger.Info().Int("executed", len(results)).Msg("command batch finished")
	return results, nil
}

// ExecOnce runs a single foreground command outside of any batch, with
// the same session-dead retry. Used by the file transfer probe and the
// one-shot CLI paths.
func (e *Executor) ExecOnce(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = e.config.CommandTimeout
	}

	sess, err := e.registry.Acquire(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	sess.runMu.Lock()
	result, err := e.execute(sess, command, timeout, nil)
	sess.runMu.Unlock()

	var dead *SessionDeadError
	if err != nil && errors.As(err, &dead) {
		log.Warn().Err(dead).Msg("session died, re-acquiring for retry")
		sess, acqErr := e.registry.Acquire(ctx)
		if acqErr != nil {
			return result, err
		}
		sess.runMu.Lock()
		result, err = e.execute(sess, command, timeout, nil)
		sess.runMu.Unlock()
	}
	result.Command = command
	return result, err
}

// streamChunks forwards remote output to the event sink as it arrives.
// Stderr is tagged as an error unless it is just a warning line; the
// device's tools print harmless "Warning:" chatter there.
func (e *Executor) streamChunks(text string, isStderr bool) {
	if text == "" {
		return
	}
	tag := ""
	if isStderr {
		tag = TagError
		if strings.HasPrefix(strings.TrimSpace(text), "Warning:") {
			tag = TagWarning
		}
	}
	e.emit(Event{Kind: EventOutput, Tag: tag, Text: text})
}

// isDiagnostic reports whether the command belongs to the configured
// family of device-diagnostic tools worth a path-fallback retry.
func (e *Executor) isDiagnostic(text string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	for _, prefix := range e.config.DiagnosticPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// pathFallback retries a "not found" command under the configured
// absolute path prefixes, stopping at the first non-127 result.
func (e *Executor) pathFallback(text string, timeout time.Duration, last CommandResult,
	dispatch func(func(*Session) (CommandResult, error)) (CommandResult, error)) CommandResult {

	for _, prefix := range e.config.FallbackPaths {
		alt := prefix + strings.TrimSpace(text)
		e.notice(TagInfo, "trying: %s", alt)
		e.metrics.RecordPathFallback()

		result, err := dispatch(func(s *Session) (CommandResult, error) {
			return e.execute(s, alt, timeout, e.streamChunks)
		})
		if err != nil {
			e.notice(TagError, "[error] %v", err)
			return last
		}
		result.Command = alt
		if result.ExitCode != ExitNotFound {
			e.notice(TagInfo, "succeeded, exit code: %d", result.ExitCode)
			return result
		}
		e.notice(TagWarning, "failed (exit code: %d)", result.ExitCode)
		last = result
	}
	return last
}

// cooldownAdvisory tells the caller how long the device needs to release
// resources after a transient batch. Media pipelines hold hardware
// blocks noticeably longer.
func (e *Executor) cooldownAdvisory(specs []commands.Spec) {
	var all strings.Builder
	for _, spec := range specs {
		all.WriteString(strings.ToLower(spec.Raw))
		all.WriteByte('\n')
	}
	cooldown := 5
	for _, k := range heavyKeywords {
		if strings.Contains(all.String(), k) {
			cooldown = 10
			break
		}
	}
	e.notice(TagWarning, "[notice] device may still be releasing resources, wait %ds before the next run", cooldown)
}

// execute runs one foreground command to completion or timeout. The wait
// loop polls at the configured interval for fresh output, completion and
// the hard deadline; it never blocks past timeout plus one poll tick.
func (e *Executor) execute(sess *Session, text string, timeout time.Duration,
	onChunk func(text string, isStderr bool)) (CommandResult, error) {

	started := time.Now()
	wrapped := wrapLoginShell(e.config.Shell, text)
	log.Debug().Str("command", text).Str("wrapped", wrapped).Msg("executing command")

	raw, err := sess.open()
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	defer raw.Close()

	stdoutPipe, err := raw.StdoutPipe()
	if err != nil {
		sess.markDead()
		return CommandResult{ExitCode: -1}, &SessionDeadError{Op: "stdout-pipe", Err: err}
	}
	stderrPipe, err := raw.StderrPipe()
	if err != nil {
		sess.markDead()
		return CommandResult{ExitCode: -1}, &SessionDeadError{Op: "stderr-pipe", Err: err}
	}

	if err := raw.Start(wrapped); err != nil {
		sess.markDead()
		return CommandResult{ExitCode: -1}, &SessionDeadError{Op: "start", Err: err}
	}

	var stdout, stderr chunkBuffer
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); stdout.consume(stdoutPipe) }()
	go func() { defer readers.Done(); stderr.consume(stderrPipe) }()

	waitCh := make(chan error, 1)
	go func() { waitCh <- raw.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	flush := func() {
		if onChunk == nil {
			stdout.drain()
			stderr.drain()
			return
		}
		if chunk := stdout.drain(); chunk != "" {
			onChunk(chunk, false)
		}
		if chunk := stderr.drain(); chunk != "" {
			onChunk(chunk, true)
		}
	}

	var waitErr error
poll:
	for {
		select {
		case waitErr = <-waitCh:
			break poll

		case <-deadline.C:
			// Force the channel closed so the remote side cannot hold us
			// past the deadline, then report whatever was captured.
			_ = raw.Close()
			readers.Wait()
			flush()
			sess.Touch()
			e.metrics.RecordCommand("timeout", time.Since(started))
			log.Warn().Str("command", text).Dur("timeout", timeout).Msg("command killed by local timeout")
			return CommandResult{
				ExitCode: ExitTimeout,
				Stdout:   stdout.all(),
				Stderr:   "command timed out",
				TimedOut: true,
				Duration: time.Since(started),
			}, nil

		case <-ticker.C:
			flush()
		}
	}

	readers.Wait()
	flush()
	sess.Touch()

	result := CommandResult{
		Stdout:   stdout.all(),
		Stderr:   stderr.all(),
		Duration: time.Since(started),
	}

	switch waitErr := waitErr.(type) {
	case nil:
		result.ExitCode = 0
		e.metrics.RecordCommand("ok", result.Duration)
	case *cryptossh.ExitError:
		result.ExitCode = waitErr.ExitStatus()
		if result.ExitCode == ExitNotFound {
			e.metrics.RecordCommand("not_found", result.Duration)
		} else {
			e.metrics.RecordCommand("failed", result.Duration)
		}
	case *cryptossh.ExitMissingError:
		// The device's daemon often drops the exit status on the floor;
		// the output is still good.
		result.ExitCode = -1
		e.metrics.RecordCommand("failed", result.Duration)
	default:
		sess.markDead()
		e.metrics.RecordCommand("failed", result.Duration)
		return result, &SessionDeadError{Op: "wait", Err: waitErr}
	}

	log.Debug().
		Str("command", text).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

// launchBackground starts a command detached on the device and returns
// as soon as the wrapper reports the spawned PID and log path. The
// executor does not wait for the launched process.
func (e *Executor) launchBackground(sess *Session, base string, timeout time.Duration) (CommandResult, error) {
	if strings.TrimSpace(base) == "" {
		return CommandResult{
			ExitCode:   -1,
			Background: true,
			Stderr:     "empty background command",
		}, nil
	}

	epoch := time.Now().Unix()
	wrapped, logPath := wrapBackground(base, epoch)
	log.Debug().Str("command", base).Str("log", logPath).Msg("launching background command")

	result, err := e.executeWrapped(sess, wrapped, timeout)
	if err != nil {
		return result, err
	}

	result.Background = true
	result.LogPath = logPath
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, bgStartedMarker); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				result.PID = pid
			}
		}
		if rest, ok := strings.CutPrefix(line, bgLogMarker); ok {
			result.LogPath = strings.TrimSpace(rest)
		}
	}
	if result.PID == 0 {
		result.Stderr = "background launch produced no PID"
	} else {
		e.metrics.RecordBackgroundLaunch()
	}
	return result, nil
}

// executeWrapped is execute without the login-shell wrapping, for
// commands that carry their own wrapper.
func (e *Executor) executeWrapped(sess *Session, wrapped string, timeout time.Duration) (CommandResult, error) {
	raw, err := sess.open()
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	defer raw.Close()

	started := time.Now()
	var output bytes.Buffer
	raw.Stdout = &output
	raw.Stderr = &output

	waitCh := make(chan error, 1)
	go func() { waitCh <- raw.Run(wrapped) }()

	select {
	case err = <-waitCh:
	case <-time.After(timeout):
		_ = raw.Close()
		return CommandResult{
			ExitCode: ExitTimeout,
			Stdout:   output.String(),
			Stderr:   "command timed out",
			TimedOut: true,
			Duration: time.Since(started),
		}, nil
	}

	sess.Touch()
	result := CommandResult{Stdout: output.String(), Duration: time.Since(started)}
	switch err := err.(type) {
	case nil:
		result.ExitCode = 0
	case *cryptossh.ExitError:
		result.ExitCode = err.ExitStatus()
	case *cryptossh.ExitMissingError:
		result.ExitCode = -1
	default:
		sess.markDead()
		return result, &SessionDeadError{Op: "run", Err: err}
	}
	return result, nil
}

// chunkBuffer accumulates output from a pipe reader. Read errors are
// swallowed: a failed read on the device's choppy network stack means
// "no data yet", not a fatal condition; transport death is detected at
// the channel level instead.
type chunkBuffer struct {
	mu      sync.Mutex
	pending bytes.Buffer
	full    bytes.Buffer
}

func (b *chunkBuffer) consume(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.pending.Write(buf[:n])
			b.full.Write(buf[:n])
			b.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *chunkBuffer) drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.pending.String()
	b.pending.Reset()
	return s
}

func (b *chunkBuffer) all() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full.String()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

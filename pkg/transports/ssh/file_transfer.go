package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/dutctl/dutctl/pkg/telemetry"
)

// noFilesSentinel is echoed by the remote probe when the glob matches
// nothing, so an empty listing is distinguishable from a broken shell.
const noFilesSentinel = "NO_FILES_FOUND"

// probeTimeout bounds the remote existence check.
const probeTimeout = 10 * time.Second

// noMatchSuggestions are surfaced with a NoMatchingFiles result.
var noMatchSuggestions = []string{
	"run the command that produces the files first",
	"verify the remote path is correct",
	"use ls on the device to confirm the files exist",
}

// DownloadResult reports one download operation. A glob that matches
// nothing is an advisory outcome, not an error.
type DownloadResult struct {
	// NoMatches is true when the existence probe found no usable files.
	NoMatches bool

	// Remote lists the matched device paths.
	Remote []string

	// Downloaded lists the resulting local files.
	Downloaded []string

	// Suggestions carries diagnostic hints when NoMatches is set.
	Suggestions []string
}

// FileTransfer downloads files matching a glob from the device. The
// existence probe runs through the command executor; the bulk copy runs
// over SFTP with its own timeout.
type FileTransfer struct {
	registry *Registry
	executor *Executor
	config   *Config
	sink     EventSink
	metrics  *telemetry.Metrics
}

// NewFileTransfer creates a transfer orchestrator sharing the executor's
// registry. sink and metrics may be nil.
func NewFileTransfer(registry *Registry, executor *Executor, sink EventSink, metrics *telemetry.Metrics) *FileTransfer {
	return &FileTransfer{
		registry: registry,
		executor: executor,
		config:   registry.config,
		sink:     sink,
		metrics:  metrics,
	}
}

func (f *FileTransfer) notice(tag, format string, args ...any) {
	if f.sink != nil {
		f.sink(Event{Kind: EventNotice, Tag: tag, Text: fmt.Sprintf(format, args...)})
	}
}

// List probes the device for files matching the glob and returns the
// filtered absolute paths. Used by the inventory flow and by Download.
func (f *FileTransfer) List(ctx context.Context, glob string) ([]string, error) {
	probe := fmt.Sprintf("ls %s 2>/dev/null || echo '%s'", glob, noFilesSentinel)
	result, err := f.executor.ExecOnce(ctx, probe, probeTimeout)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 || strings.Contains(result.Stdout, noFilesSentinel) {
		return nil, nil
	}
	return filterRemotePaths(result.Stdout), nil
}

// Download copies every file matching the glob into localDir, creating
// the directory if needed and overwriting existing files.
func (f *FileTransfer) Download(ctx context.Context, glob, localDir string) (*DownloadResult, error) {
	f.notice(TagInfo, "transferring %s -> %s", glob, localDir)

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, &TransferError{Glob: glob, Err: fmt.Errorf("create local directory: %w", err)}
	}

	f.notice(TagInfo, "checking files on the device...")
	remote, err := f.List(ctx, glob)
	if err != nil {
		return nil, err
	}
	if len(remote) == 0 {
		log.Info().Str("glob", glob).Msg("no matching files on the device")
		f.notice(TagWarning, "no files on the device match %s", glob)
		for _, s := range noMatchSuggestions {
			f.notice(TagInfo, "  - %s", s)
		}
		return &DownloadResult{NoMatches: true, Suggestions: noMatchSuggestions}, nil
	}

	f.notice(TagInfo, "found %d files:", len(remote))
	for _, r := range remote {
		f.notice(TagInfo, "  - %s", r)
	}

	downloaded, err := f.copyAll(ctx, remote, localDir)
	if err != nil {
		return nil, &TransferError{Glob: glob, Err: err}
	}

	f.notice(TagInfo, "transfer complete, %d files", len(downloaded))
	return &DownloadResult{Remote: remote, Downloaded: downloaded}, nil
}

// copyAll performs the bulk copy over SFTP under the transfer timeout.
func (f *FileTransfer) copyAll(ctx context.Context, remote []string, localDir string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.TransferTimeout)
	defer cancel()

	sess, err := f.registry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sess.sftp()
	if err != nil {
		return nil, err
	}

	downloaded := make([]string, 0, len(remote))
	for _, remotePath := range remote {
		localPath := filepath.Join(localDir, path.Base(remotePath))
		n, err := f.copyOne(ctx, client, remotePath, localPath)
		if err != nil {
			return downloaded, fmt.Errorf("copy %s: %w", remotePath, err)
		}
		f.metrics.RecordDownload(n)
		log.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("file downloaded")
		downloaded = append(downloaded, localPath)
	}
	sess.Touch()
	return downloaded, nil
}

func (f *FileTransfer) copyOne(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int64, error) {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return 0, err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}
	defer localFile.Close()

	return copyWithContext(ctx, localFile, remoteFile)
}

// copyWithContext copies in bounded chunks so a cancelled or expired
// context stops the transfer at the next chunk boundary.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// filterRemotePaths keeps only lines that look like absolute file paths.
// The device's minimal shell mixes banner text and error lines into
// stdout, so anything that does not start with '/' is noise.
func filterRemotePaths(stdout string) []string {
	var files []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == noFilesSentinel {
			continue
		}
		if strings.HasPrefix(line, "sh:") || strings.HasPrefix(line, "bash:") {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			continue
		}
		files = append(files, line)
	}
	return files
}

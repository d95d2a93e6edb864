package peering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

type DownloadConfig struct {
	AttemptsPerPeer int           `mapstructure:"attempts_per_peer"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ChunkSize       int           `mapstructure:"chunk_size"`
}

// DefaultDownloadConfig tries every candidate up to 4 times and pauses 5s
// after each failed attempt.
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		AttemptsPerPeer: 4,
		RetryDelay:      5 * time.Second,
		DialTimeout:     3 * time.Second,
		ChunkSize:       DefaultChunkSize,
	}
}

// Result describes a completed download.
type Result struct {
	File     string
	Source   string
	Path     string
	Bytes    int64
	Attempts int
	Elapsed  time.Duration
}

// Downloader fetches a file from the first candidate peer that accepts the
// request, walking the candidates round-robin.
type Downloader struct {
	dir    string
	config DownloadConfig
	clock  clock.Clock
	logger *zap.Logger
	stats  tally.Scope
}

func NewDownloader(dir string, config DownloadConfig, logger *zap.Logger, stats tally.Scope) *Downloader {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.L()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Downloader{
		dir:    dir,
		config: config,
		clock:  clock.New(),
		logger: logger,
		stats:  stats.SubScope("downloader"),
	}
}

// OrderCandidates lists peers in a stable order with priority, when given,
// moved to the front. A priority peer outside peers is rejected.
func OrderCandidates(peers message.Set, priority string) ([]string, error) {
	candidates := peers.Sorted()
	if priority == "" {
		return candidates, nil
	}
	if !peers.Has(priority) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPriorityPeer, priority)
	}

	ordered := make([]string, 0, len(candidates))
	ordered = append(ordered, priority)
	for _, peer := range candidates {
		if peer != priority {
			ordered = append(ordered, peer)
		}
	}
	return ordered, nil
}

// Download retrieves file into the download directory. Each failed attempt
// closes its connection, waits RetryDelay and moves on to the next candidate.
// After AttemptsPerPeer*len(candidates) failures it returns an error wrapping
// ErrAttemptsExhausted and every per-attempt error. When ctx ends first the
// context error is returned instead.
func (d *Downloader) Download(ctx context.Context, file string, candidates []string) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoPeersFound
	}
	target, err := sharedPath(d.dir, file)
	if err != nil {
		return Result{}, err
	}

	var (
		start    = d.clock.Now()
		budget   = max(d.config.AttemptsPerPeer, 1) * len(candidates)
		schedule = backoff.NewConstantBackOff(d.config.RetryDelay)
		failures error
	)
	for attempt := 1; attempt <= budget; attempt++ {
		peer := candidates[(attempt-1)%len(candidates)]
		d.stats.Counter("attempts").Inc(1)
		d.logger.Info("Requesting file", zap.String("file", file), zap.String("peer", peer), zap.Int("attempt", attempt))

		n, err := d.attempt(ctx, peer, file, target)
		if err == nil {
			result := Result{File: file, Source: peer, Path: target, Bytes: n, Attempts: attempt}
			result.Elapsed = d.clock.Now().Sub(start)
			d.stats.Counter("completed").Inc(1)
			d.stats.Timer("duration").Record(result.Elapsed)
			d.logger.Info("Download complete",
				zap.String("file", file),
				zap.String("peer", peer),
				zap.Int64("bytes", n),
				zap.Duration("elapsed", result.Elapsed))
			return result, nil
		}
		if ctx.Err() != nil {
			d.stats.Counter("failed").Inc(1)
			return Result{}, ctx.Err()
		}
		if errors.Is(err, ErrDownloadDenied) {
			d.stats.Counter("denied").Inc(1)
		}
		failures = multierr.Append(failures, fmt.Errorf("attempt %d via %s: %w", attempt, peer, err))
		if attempt == budget {
			break
		}

		wait := schedule.NextBackOff()
		d.logger.Info("Download attempt failed",
			zap.String("file", file),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if err := d.sleep(ctx, wait); err != nil {
			d.stats.Counter("failed").Inc(1)
			return Result{}, err
		}
	}

	d.stats.Counter("failed").Inc(1)
	return Result{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrAttemptsExhausted, file, budget, failures)
}

// sleep waits delay on the downloader's clock, returning early with the
// context error when ctx ends.
func (d *Downloader) sleep(ctx context.Context, delay time.Duration) error {
	timer := d.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt runs one DOWNLOAD handshake against peer and, when accepted,
// receives the payload into target.
func (d *Downloader) attempt(ctx context.Context, peer, file, target string) (int64, error) {
	dialer := net.Dialer{Timeout: d.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return 0, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, peer, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := message.WriteFrame(conn, message.NewDownload(file)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	reply, err := message.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, message.ErrMalformed) {
			return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	switch reply.Title {
	case message.DownloadDenied:
		return 0, ErrDownloadDenied
	case message.DownloadOK:
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Title)
	}

	var accepted message.DownloadAccepted
	if err := message.Bind(reply, &accepted); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	size, err := accepted.Bytes()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return d.receive(conn, target, size)
}

// receive writes exactly size bytes from r next to target and renames the
// result into place. A transfer that fails or ends early leaves no file behind.
func (d *Downloader) receive(r io.Reader, target string, size int64) (n int64, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err = io.CopyBuffer(tmp, io.LimitReader(r, size), make([]byte, d.config.ChunkSize))
	if err != nil {
		return n, fmt.Errorf("%w: receive: %v", ErrConnectionFailure, err)
	}
	if n != size {
		return n, fmt.Errorf("%w: transfer truncated at %d of %d bytes", ErrConnectionFailure, n, size)
	}
	if err = tmp.Close(); err != nil {
		return n, fmt.Errorf("close partial file: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return n, fmt.Errorf("move partial file into place: %w", err)
	}
	return n, nil
}

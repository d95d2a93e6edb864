package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/config"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/discovery"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/peering"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/tracker"
)

const usage = `usage: p2pshare <command> [args]

commands:
  tracker                      run the tracker
  peer                         run an interactive peer
  search <file>                ask the tracker who offers file
  download <file> [priority]   search for file and download it

settings are read from P2PSHARE_* environment variables`

// lookupTimeout bounds the mDNS lookup of a tracker configured as "mdns".
const lookupTimeout = 5 * time.Second

// leaveTimeout bounds the LEAVE sent on the way out.
const leaveTimeout = 15 * time.Second

var logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	var err error
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = logLevel
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.FromEnv(os.Environ())
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logLevel.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	stats, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "p2pshare",
		Reporter: tally.NullStatsReporter,
	}, time.Second)

	code := 0
	command := os.Args[1]
	switch command {
	case "tracker":
		if err := handleTracker(ctx, cfg, stats); err != nil {
			logger.Error("Tracker failed", zap.Error(err))
			code = 1
		}
	case "peer":
		if err := handlePeer(ctx, cfg, stats, os.Stdin, os.Stdout); err != nil {
			logger.Error("Peer failed", zap.Error(err))
			code = 1
		}
	case "search":
		if err := handleSearch(ctx, cfg, stats, os.Args); err != nil {
			logger.Error("Failed to search", zap.Error(err))
			code = 1
		}
	case "download":
		if err := handleDownload(ctx, cfg, stats, os.Args); err != nil {
			logger.Error("Failed to download", zap.Error(err))
			code = 1
		}
	default:
		logger.Error("Unknown command", zap.String("command", command))
		fmt.Fprintln(os.Stderr, usage)
		code = 2
	}

	stop()
	logMetrics(logger, stats)
	closer.Close()
	logger.Sync()
	os.Exit(code)
}

// Command handlers

func handleTracker(ctx context.Context, cfg config.Config, stats tally.Scope) error {
	conn, err := tracker.Listen(cfg.Tracker.Listen)
	if err != nil {
		return err
	}
	t := tracker.New(conn, tracker.NewDirectory(), zap.L(), stats)

	if cfg.Tracker.Advertise {
		port := conn.LocalAddr().(*net.UDPAddr).Port
		server, err := discovery.Advertise("p2pshare-tracker", port, zap.L())
		if err != nil {
			conn.Close()
			return err
		}
		defer server.Shutdown()
	}
	return t.Serve(ctx)
}

func newPeer(ctx context.Context, cfg config.Config, stats tally.Scope) (*peering.Peer, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	address, err := discovery.Resolve(lookupCtx, cfg.Peer.Tracker, zap.L())
	if err != nil {
		return nil, fmt.Errorf("resolve tracker: %w", err)
	}
	cfg.Peer.Tracker = address
	return peering.New(cfg.Peer, nil, zap.L(), stats)
}

func handleSearch(ctx context.Context, cfg config.Config, stats tally.Scope, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("search needs a file name")
	}
	p, err := newPeer(ctx, cfg, stats)
	if err != nil {
		return err
	}
	defer p.Close()

	peers, err := p.Search(ctx, args[2])
	if err != nil {
		return err
	}
	for _, peer := range peers.Sorted() {
		fmt.Println(peer)
	}
	return nil
}

func handleDownload(ctx context.Context, cfg config.Config, stats tally.Scope, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("download needs a file name")
	}
	var priority string
	if len(args) > 3 {
		priority = args[3]
	}

	p, err := newPeer(ctx, cfg, stats)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.Search(ctx, args[2]); err != nil {
		return err
	}
	result, err := p.Download(ctx, args[2], priority)
	if err != nil {
		return err
	}
	printResult(os.Stdout, result)
	return nil
}

func printResult(w io.Writer, result peering.Result) {
	fmt.Fprintf(w, "Downloaded %s from %s\n", result.File, result.Source)
	fmt.Fprintf(w, "Saved to: %s\n", result.Path)
	fmt.Fprintf(w, "Bytes: %d\n", result.Bytes)
	fmt.Fprintf(w, "Attempts: %d\n", result.Attempts)
	fmt.Fprintf(w, "Elapsed: %s\n", result.Elapsed)
}

const menu = `commands:
  JOIN                 share the files of the share directory
  SEARCH <file>        find the peers offering file
  DOWNLOAD [priority]  download the last searched file, trying priority first
  LEAVE                stop sharing
  QUIT                 leave and exit`

// handlePeer runs the interactive menu until QUIT, end of input or a signal.
func handlePeer(ctx context.Context, cfg config.Config, stats tally.Scope, in io.Reader, out io.Writer) error {
	logger := zap.L()
	p, err := newPeer(ctx, cfg, stats)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(out, menu)
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil && scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		command := strings.ToUpper(fields[0])
		switch command {
		case "JOIN":
			if err = p.Join(ctx); err == nil {
				fmt.Fprintf(out, "Sharing %s as %s\n", strings.Join(p.Session().Offered(), ", "), p.Address())
			}
		case "SEARCH":
			if len(fields) < 2 {
				fmt.Fprintln(out, "SEARCH needs a file name")
				continue
			}
			var peers message.Set
			if peers, err = p.Search(ctx, fields[1]); err == nil {
				fmt.Fprintf(out, "Peers with %s: %s\n", fields[1], strings.Join(peers.Sorted(), ", "))
			}
		case "DOWNLOAD":
			var priority string
			if len(fields) > 1 {
				priority = fields[1]
			}
			var result peering.Result
			if result, err = p.Download(ctx, "", priority); err == nil {
				printResult(out, result)
			}
		case "LEAVE":
			if err = p.Leave(ctx); err == nil {
				fmt.Fprintln(out, "Stopped sharing")
			}
		case "QUIT":
			return quit(ctx, p)
		default:
			fmt.Fprintln(out, menu)
		}
		if err != nil {
			logger.Warn("Command failed", zap.String("command", command), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return quit(ctx, p)
}

func quit(ctx context.Context, p *peering.Peer) error {
	if !p.Session().Sharing() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	return p.Leave(ctx)
}

// logMetrics writes the final counter values of stats to the log.
func logMetrics(logger *zap.Logger, stats tally.Scope) {
	snapshotter, ok := stats.(interface{ Snapshot() tally.Snapshot })
	if !ok {
		return
	}
	var fields []zap.Field
	for name, counter := range snapshotter.Snapshot().Counters() {
		fields = append(fields, zap.Int64(name, counter.Value()))
	}
	if len(fields) > 0 {
		logger.Info("Metrics", fields...)
	}
}

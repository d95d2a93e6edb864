// Package peering implements a peer of the file sharing network: it offers
// the files of its share directory to other peers over TCP and downloads
// files from them, using the tracker to find out who holds what.
package peering

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/udpreq"
)

type Config struct {
	// Host is the address other peers use to reach this peer. The sharing
	// server listens on Host:Port; port 0 picks a free port at JOIN.
	Host              string         `mapstructure:"host"`
	Port              int            `mapstructure:"port"`
	ShareDir          string         `mapstructure:"share_dir"`
	Suffix            string         `mapstructure:"suffix"`
	Tracker           string         `mapstructure:"tracker"`
	AcceptProbability float64        `mapstructure:"accept_probability"`
	Download          DownloadConfig `mapstructure:"download"`
	Request           udpreq.Config  `mapstructure:"request"`
}

func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              0,
		ShareDir:          "shared",
		Suffix:            ".mp4",
		Tracker:           "127.0.0.1:10098",
		AcceptProbability: 0.5,
		Download:          DefaultDownloadConfig(),
		Request:           udpreq.DefaultConfig(),
	}
}

type Peer struct {
	config     Config
	admit      AdmissionPolicy
	logger     *zap.Logger
	stats      tally.Scope
	session    *Session
	requests   *udpreq.Client
	downloader *Downloader

	// lifecycle serializes Join, Leave and Close.
	lifecycle sync.Mutex
	mu        sync.Mutex
	address   string
	server    *Server
	serveDone chan struct{}
}

// New prepares a peer, creating its share directory if needed. admit decides
// which download requests are served; nil selects RandomAdmission with the
// configured probability.
func New(config Config, admit AdmissionPolicy, logger *zap.Logger, stats tally.Scope) (*Peer, error) {
	if logger == nil {
		logger = zap.L()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if admit == nil {
		admit = RandomAdmission(config.AcceptProbability, uint64(time.Now().UnixNano()))
	}
	if err := os.MkdirAll(config.ShareDir, 0o755); err != nil {
		return nil, fmt.Errorf("create share directory: %w", err)
	}

	stats = stats.SubScope("peer")
	return &Peer{
		config:     config,
		admit:      admit,
		logger:     logger,
		stats:      stats,
		session:    NewSession(),
		requests:   udpreq.New(config.Request, logger, stats),
		downloader: NewDownloader(config.ShareDir, config.Download, logger, stats),
		address:    message.JoinAddress(config.Host, config.Port),
	}, nil
}

// Address is the identity this peer announces to the tracker.
func (p *Peer) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

func (p *Peer) Session() *Session { return p.session }

// Join announces the files of the share directory to the tracker and, once
// the tracker acknowledges, starts serving them. The listener is opened
// before the request so the announced address is the one being served.
func (p *Peer) Join(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.session.Sharing() {
		return ErrAlreadySharing
	}

	files, err := ListShared(p.config.ShareDir, p.config.Suffix)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port)))
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrConnectionFailure, err)
	}
	address := message.JoinAddress(p.config.Host, ln.Addr().(*net.TCPAddr).Port)

	reply, err := p.requests.RequestReply(ctx, message.NewJoin(address, files), p.config.Tracker)
	if err != nil {
		ln.Close()
		return fmt.Errorf("join: %w", err)
	}
	if reply.Title != message.JoinOK {
		ln.Close()
		return fmt.Errorf("join: %w: %s", ErrUnexpectedReply, reply.Title)
	}

	server := NewServer(p.config.ShareDir, p.config.Download.ChunkSize, p.admit, p.logger, p.stats)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil {
			p.logger.Error("Sharing server failed", zap.Error(err))
		}
	}()

	p.mu.Lock()
	p.address = address
	p.server = server
	p.serveDone = done
	p.mu.Unlock()

	p.session.SetOffered(files)
	p.session.SetSharing(true)
	p.logger.Info("Joined tracker", zap.String("peer", address), zap.Strings("files", files))
	return nil
}

// Leave withdraws this peer from the tracker and stops accepting download
// requests. Leaving while not sharing returns ErrNotSharing and changes nothing.
func (p *Peer) Leave(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.session.Sharing() {
		return ErrNotSharing
	}

	reply, err := p.requests.RequestReply(ctx, message.NewLeave(p.Address()), p.config.Tracker)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if reply.Title != message.LeaveOK {
		return fmt.Errorf("leave: %w: %s", ErrUnexpectedReply, reply.Title)
	}

	p.stopServer()
	p.session.SetSharing(false)
	p.logger.Info("Left tracker", zap.String("peer", p.Address()))
	return nil
}

// Search asks the tracker which peers offer file and caches the answer for a
// following Download. An empty answer is cached too and reported as
// ErrNoPeersFound.
func (p *Peer) Search(ctx context.Context, file string) (message.Set, error) {
	reply, err := p.requests.RequestReply(ctx, message.NewSearch(file, p.Address()), p.config.Tracker)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", file, err)
	}
	if reply.Title != message.SearchOK {
		return nil, fmt.Errorf("search %s: %w: %s", file, ErrUnexpectedReply, reply.Title)
	}

	var body message.SearchReply
	if err := message.Bind(reply, &body); err != nil {
		return nil, fmt.Errorf("search %s: %w", file, err)
	}

	p.session.RecordSearch(file, body.Peers)
	p.logger.Info("Search finished", zap.String("file", file), zap.Strings("peers", body.Peers.Sorted()))
	if len(body.Peers) == 0 {
		return body.Peers, fmt.Errorf("%w: %s", ErrNoPeersFound, file)
	}
	return body.Peers, nil
}

// Download fetches file from the peers found by the last Search, which must
// have been for the same file; an empty file means the last searched one.
// priority, when set, is tried first. On success the file joins this peer's
// offer and, while sharing, the tracker is told through UPDATE. A failed
// UPDATE is logged and does not undo the download.
func (p *Peer) Download(ctx context.Context, file, priority string) (Result, error) {
	searched, peers, ok := p.session.LastSearch()
	if !ok || (file != "" && file != searched) {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPriorSearch, file)
	}
	file = searched

	peers.Remove(p.Address())
	if len(peers) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPeersFound, file)
	}
	candidates, err := OrderCandidates(peers, priority)
	if err != nil {
		return Result{}, err
	}

	result, err := p.downloader.Download(ctx, file, candidates)
	if err != nil {
		return Result{}, err
	}
	p.session.Offer(file)

	if !p.session.Sharing() {
		p.logger.Info("Not sharing, skipping tracker update", zap.String("file", file))
		return result, nil
	}
	if err := p.update(ctx, file); err != nil {
		p.logger.Warn("Tracker update failed", zap.String("file", file), zap.Error(err))
	}
	return result, nil
}

func (p *Peer) update(ctx context.Context, file string) error {
	reply, err := p.requests.RequestReply(ctx, message.NewUpdate(file, p.Address()), p.config.Tracker)
	if err != nil {
		return err
	}
	if reply.Title != message.UpdateOK {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Title)
	}
	return nil
}

// Close stops the sharing server without telling the tracker and waits for
// the accept loop and in-flight transfers to finish.
func (p *Peer) Close() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.stopServer()
	p.session.SetSharing(false)
	return nil
}

func (p *Peer) stopServer() {
	p.mu.Lock()
	server, done := p.server, p.serveDone
	p.server, p.serveDone = nil, nil
	p.mu.Unlock()

	if server == nil {
		return
	}
	if err := server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Warn("Failed to close sharing server", zap.Error(err))
	}
	<-done
}

package peering

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// DefaultChunkSize is the size of the writes used to stream a file.
const DefaultChunkSize = 8 * 1024

// requestTimeout bounds how long a connection may take to send its DOWNLOAD request.
const requestTimeout = 10 * time.Second

// AdmissionPolicy decides whether a download request for file is served.
type AdmissionPolicy func(file string) bool

func AlwaysAccept(string) bool { return true }

func AlwaysDeny(string) bool { return false }

// RandomAdmission accepts each request with probability p, simulating a peer
// that is sometimes too busy to serve.
func RandomAdmission(p float64, seed uint64) AdmissionPolicy {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(string) bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64() < p
	}
}

// Server answers DOWNLOAD requests from other peers for files in its share
// directory. Each accepted connection is served on its own goroutine.
type Server struct {
	dir       string
	chunkSize int
	admit     AdmissionPolicy
	logger    *zap.Logger
	stats     tally.Scope

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewServer(dir string, chunkSize int, admit AdmissionPolicy, logger *zap.Logger, stats tally.Scope) *Server {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if admit == nil {
		admit = AlwaysAccept
	}
	if logger == nil {
		logger = zap.L()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Server{
		dir:       dir,
		chunkSize: chunkSize,
		admit:     admit,
		logger:    logger,
		stats:     stats.SubScope("server"),
	}
}

// Serve accepts connections on ln until Close is called. It returns nil after
// Close and once every connection handler has finished. A Server serves a
// single listener; Close before Serve makes Serve return immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Sharing server listening", zap.Stringer("addr", ln.Addr()), zap.String("dir", s.dir))

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Sharing server stopped", zap.Stringer("addr", ln.Addr()))
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections. Transfers in progress run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	req, err := message.ReadFrame(conn)
	if err != nil {
		logger.Warn("Failed to read download request", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Title != message.Download {
		logger.Warn("Unsupported request", zap.String("title", req.Title))
		return
	}
	var body message.DownloadRequest
	if err := message.Bind(req, &body); err != nil {
		logger.Warn("Invalid download request", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("file", body.File))

	if !s.admit(body.File) {
		s.stats.Counter("denied").Inc(1)
		logger.Info("Denying download")
		if err := message.WriteFrame(conn, message.NewDownloadDenied()); err != nil {
			logger.Warn("Failed to send denial", zap.Error(err))
		}
		return
	}

	n, err := s.sendFile(conn, body.File)
	if err != nil {
		s.stats.Counter("failed").Inc(1)
		logger.Warn("Transfer aborted", zap.Int64("bytes", n), zap.Error(err))
		return
	}
	s.stats.Counter("served").Inc(1)
	s.stats.Counter("bytes").Inc(n)
	logger.Info("Transfer complete", zap.Int64("bytes", n))
}

// sendFile announces the file size and streams the file in chunkSize writes.
// When the file cannot be opened nothing is written and the caller simply
// closes the connection.
func (s *Server) sendFile(conn net.Conn, name string) (int64, error) {
	path, err := sharedPath(s.dir, name)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", name)
	}

	if err := message.WriteFrame(conn, message.NewDownloadAccepted(info.Size())); err != nil {
		return 0, err
	}

	var sent int64
	chunk := make([]byte, s.chunkSize)
	for sent < info.Size() {
		n, err := f.Read(chunk[:min(int64(len(chunk)), info.Size()-sent)])
		if n > 0 {
			if _, werr := conn.Write(chunk[:n]); werr != nil {
				return sent, fmt.Errorf("write chunk: %w", werr)
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("read chunk: %w", err)
		}
	}
	if sent != info.Size() {
		return sent, fmt.Errorf("file shrank while sending: %d of %d bytes", sent, info.Size())
	}
	return sent, nil
}

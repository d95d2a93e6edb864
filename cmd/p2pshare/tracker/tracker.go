// Package tracker implements the coordinator that indexes which peer offers
// which file and answers peers' JOIN, SEARCH, UPDATE and LEAVE requests over UDP.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// DefaultPort is the well-known UDP port of the tracker.
const DefaultPort = 10098

type Config struct {
	Listen    string `mapstructure:"listen"`
	Advertise bool   `mapstructure:"advertise"`
}

func DefaultConfig() Config {
	return Config{Listen: fmt.Sprintf(":%d", DefaultPort)}
}

type Tracker struct {
	conn   net.PacketConn
	dir    *Directory
	logger *zap.Logger
	stats  tally.Scope
	wg     sync.WaitGroup
}

// New creates a tracker answering on conn. The tracker takes ownership of conn.
func New(conn net.PacketConn, dir *Directory, logger *zap.Logger, stats tally.Scope) *Tracker {
	if logger == nil {
		logger = zap.L()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Tracker{
		conn:   conn,
		dir:    dir,
		logger: logger,
		stats:  stats.SubScope("tracker"),
	}
}

// Listen opens the tracker's UDP socket on addr.
func Listen(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return conn, nil
}

func (t *Tracker) Addr() net.Addr { return t.conn.LocalAddr() }

func (t *Tracker) Directory() *Directory { return t.dir }

// Serve reads datagrams until ctx is cancelled, handling each one on its own
// goroutine. It waits for in-flight handlers before returning.
func (t *Tracker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.conn.Close()
	})
	defer stop()
	defer t.wg.Wait()

	t.logger.Info("Tracker listening", zap.Stringer("addr", t.conn.LocalAddr()))

	// One spare byte tells oversized datagrams apart from ones that fit exactly.
	buf := make([]byte, message.MaxDatagramSize+1)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		if n > message.MaxDatagramSize {
			t.stats.Counter("oversized").Inc(1)
			t.logger.Warn("Dropping oversized datagram", zap.Stringer("from", addr))
			continue
		}

		data := bytes.Clone(buf[:n])
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handle(data, addr)
		}()
	}
}

func (t *Tracker) handle(data []byte, from net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Request handler panicked", zap.Stringer("from", from), zap.Any("panic", r))
		}
	}()
	start := time.Now()

	req, err := message.UnmarshalDatagram(data)
	if err != nil {
		t.stats.Counter("malformed").Inc(1)
		t.logger.Warn("Dropping undecodable datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	reply, ok, err := t.dispatch(req)
	t.stats.Tagged(map[string]string{"title": titleTag(req.Title)}).Counter("requests").Inc(1)
	if err != nil {
		t.stats.Counter("malformed").Inc(1)
		t.logger.Warn("Dropping invalid request",
			zap.String("title", req.Title),
			zap.Stringer("from", from),
			zap.Error(err))
		return
	}
	if !ok {
		return
	}

	payload, err := message.MarshalDatagram(reply)
	if err != nil {
		t.logger.Error("Failed to encode reply", zap.String("title", reply.Title), zap.Error(err))
		return
	}
	if _, err := t.conn.WriteTo(payload, from); err != nil {
		t.logger.Warn("Failed to send reply", zap.String("title", reply.Title), zap.Stringer("to", from), zap.Error(err))
		return
	}
	t.stats.Timer("latency").Record(time.Since(start))
}

// dispatch applies req to the directory. It reports false when the request
// kind gets no reply.
func (t *Tracker) dispatch(req message.Message) (message.Message, bool, error) {
	switch req.Title {
	case message.Join:
		var body message.JoinRequest
		if err := bindWithAddress(req, &body, &body.Address); err != nil {
			return message.Message{}, false, err
		}
		t.dir.Join(body.Address, body.Files)
		t.updateGauges()
		t.logger.Info("Peer joined", zap.String("peer", body.Address), zap.Strings("files", body.Files))
		return message.ReplyTo(req, message.JoinOK), true, nil

	case message.Search:
		var body message.SearchRequest
		if err := message.Bind(req, &body); err != nil {
			return message.Message{}, false, err
		}
		peers := t.dir.Search(body.File)
		t.logger.Info("Peer searched",
			zap.String("peer", body.Address),
			zap.String("file", body.File),
			zap.Strings("found", peers.Sorted()))
		reply := message.ReplyTo(req, message.SearchOK)
		reply.Add(message.FieldPeers, peers)
		return reply, true, nil

	case message.Update:
		var body message.UpdateRequest
		if err := bindWithAddress(req, &body, &body.Address); err != nil {
			return message.Message{}, false, err
		}
		t.dir.Update(body.Address, body.File)
		t.updateGauges()
		t.logger.Info("Peer updated", zap.String("peer", body.Address), zap.String("file", body.File))
		return message.ReplyTo(req, message.UpdateOK), true, nil

	case message.Leave:
		var body message.LeaveRequest
		if err := message.Bind(req, &body); err != nil {
			return message.Message{}, false, err
		}
		known := t.dir.Leave(body.Address)
		t.updateGauges()
		t.logger.Info("Peer left", zap.String("peer", body.Address), zap.Bool("known", known))
		return message.ReplyTo(req, message.LeaveOK), true, nil

	case message.AliveOK:
		t.logger.Debug("Peer alive", zap.Any("fields", req.Fields))
		return message.Message{}, false, nil

	default:
		t.logger.Warn("Unsupported request", zap.String("title", req.Title))
		return message.Message{}, false, nil
	}
}

func bindWithAddress(req message.Message, body any, address *string) error {
	if err := message.Bind(req, body); err != nil {
		return err
	}
	return message.ValidateAddress(*address)
}

func (t *Tracker) updateGauges() {
	peers, files := t.dir.Size()
	t.stats.Gauge("peers").Update(float64(peers))
	t.stats.Gauge("files").Update(float64(files))
}

func titleTag(title string) string {
	switch title {
	case message.Join, message.Search, message.Update, message.Leave, message.AliveOK:
		return title
	default:
		return "unknown"
	}
}

// Package udpreq sends a request datagram to the tracker and waits a bounded
// time for the reply, resending a fixed number of times before giving up.
package udpreq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// ErrTimeout is returned when every attempt went unanswered.
var ErrTimeout = errors.New("request timed out")

var errNoReply = errors.New("no reply within attempt timeout")

// Config defines the retry discipline.
type Config struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts int           `mapstructure:"attempts"`
}

// DefaultConfig waits 2s per attempt and sends at most 5 times.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second, Attempts: 5}
}

type Client struct {
	config Config
	logger *zap.Logger
	stats  tally.Scope
}

func New(config Config, logger *zap.Logger, stats tally.Scope) *Client {
	if logger == nil {
		logger = zap.L()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Client{
		config: config,
		logger: logger,
		stats:  stats.SubScope("udpreq"),
	}
}

// RequestReply sends req to dest and returns the first matching reply. The
// request is stamped with an id; replies carrying a different id belong to an
// earlier exchange and are ignored. The socket lives for the duration of the
// call and is owned by the calling goroutine.
func (c *Client) RequestReply(ctx context.Context, req message.Message, dest string) (message.Message, error) {
	req = req.WithID()
	payload, err := message.MarshalDatagram(req)
	if err != nil {
		return message.Message{}, err
	}

	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return message.Message{}, fmt.Errorf("resolve %s: %w", dest, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return message.Message{}, fmt.Errorf("open udp socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var (
		reply    message.Message
		attempts int
	)
	operation := func() error {
		attempts++
		c.stats.Counter("sends").Inc(1)
		if _, err := conn.WriteToUDP(payload, raddr); err != nil {
			return fmt.Errorf("send %s: %w", req.Title, err)
		}
		r, err := c.await(ctx, conn, req.ID())
		if err != nil {
			return err
		}
		reply = r
		return nil
	}
	notify := func(err error, _ time.Duration) {
		c.logger.Debug("Retrying tracker request",
			zap.String("title", req.Title),
			zap.String("tracker", dest),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(c.policy(), ctx), notify)
	switch {
	case err == nil:
		c.stats.Counter("replies").Inc(1)
		return reply, nil
	case ctx.Err() != nil:
		return message.Message{}, ctx.Err()
	case errors.Is(err, errNoReply):
		c.stats.Counter("timeouts").Inc(1)
		return message.Message{}, fmt.Errorf("%w: %s to %s after %d attempts", ErrTimeout, req.Title, dest, attempts)
	default:
		return message.Message{}, err
	}
}

func (c *Client) policy() backoff.BackOff {
	if c.config.Attempts <= 1 {
		return &backoff.StopBackOff{}
	}
	// The read deadline is the wait between sends, so no extra delay.
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.config.Attempts-1))
}

// await reads datagrams until one answers requestID or the attempt deadline
// passes. Undecodable and unrelated datagrams do not extend the deadline.
func (c *Client) await(ctx context.Context, conn *net.UDPConn, requestID string) (message.Message, error) {
	deadline := time.Now().Add(c.config.Timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return message.Message{}, backoff.Permanent(err)
	}

	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return message.Message{}, backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return message.Message{}, errNoReply
			}
			return message.Message{}, fmt.Errorf("receive: %w", err)
		}

		reply, err := message.UnmarshalDatagram(buf[:n])
		if err != nil {
			c.logger.Warn("Discarding undecodable reply", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if id := reply.ID(); id != "" && id != requestID {
			c.logger.Debug("Discarding stale reply",
				zap.String("title", reply.Title),
				zap.String("id", id))
			continue
		}
		return reply, nil
	}
}

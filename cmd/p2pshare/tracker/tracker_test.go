package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap/zaptest"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/udpreq"
)

func startTracker(t *testing.T, stats tally.Scope) *Tracker {
	t.Helper()
	conn, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	tr := New(conn, NewDirectory(), zaptest.NewLogger(t), stats)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return tr
}

func newClient(t *testing.T) *udpreq.Client {
	return udpreq.New(udpreq.Config{Timeout: 200 * time.Millisecond, Attempts: 3}, zaptest.NewLogger(t), nil)
}

func TestTrackerRequestCycle(t *testing.T) {
	stats := tally.NewTestScope("", nil)
	tr := startTracker(t, stats)
	client := newClient(t)
	ctx := context.Background()
	addr := tr.Addr().String()

	reply, err := client.RequestReply(ctx, message.NewJoin("127.0.0.1:9001", []string{"movie.mp4"}), addr)
	require.NoError(t, err)
	assert.Equal(t, message.JoinOK, reply.Title)

	reply, err = client.RequestReply(ctx, message.NewSearch("movie.mp4", "127.0.0.1:9002"), addr)
	require.NoError(t, err)
	require.Equal(t, message.SearchOK, reply.Title)
	var found message.SearchReply
	require.NoError(t, message.Bind(reply, &found))
	assert.Equal(t, message.NewSet("127.0.0.1:9001"), found.Peers)

	reply, err = client.RequestReply(ctx, message.NewUpdate("movie.mp4", "127.0.0.1:9002"), addr)
	require.NoError(t, err)
	assert.Equal(t, message.UpdateOK, reply.Title)
	assert.Equal(t, message.NewSet("127.0.0.1:9001", "127.0.0.1:9002"), tr.Directory().Search("movie.mp4"))

	reply, err = client.RequestReply(ctx, message.NewLeave("127.0.0.1:9001"), addr)
	require.NoError(t, err)
	assert.Equal(t, message.LeaveOK, reply.Title)
	assert.Equal(t, message.NewSet("127.0.0.1:9002"), tr.Directory().Search("movie.mp4"))
	require.NoError(t, tr.Directory().Check())

	counters := stats.Snapshot().Counters()
	assert.EqualValues(t, 1, counters["tracker.requests+title=JOIN"].Value())
	assert.EqualValues(t, 1, counters["tracker.requests+title=SEARCH"].Value())
	assert.EqualValues(t, 1, counters["tracker.requests+title=UPDATE"].Value())
	assert.EqualValues(t, 1, counters["tracker.requests+title=LEAVE"].Value())
}

func TestTrackerSearchUnknownFileReturnsEmptySet(t *testing.T) {
	tr := startTracker(t, nil)

	reply, err := newClient(t).RequestReply(context.Background(), message.NewSearch("nothing.mp4", "127.0.0.1:9002"), tr.Addr().String())
	require.NoError(t, err)

	var found message.SearchReply
	require.NoError(t, message.Bind(reply, &found))
	assert.NotNil(t, found.Peers)
	assert.Empty(t, found.Peers)
}

func TestTrackerDropsUnknownTitles(t *testing.T) {
	tr := startTracker(t, nil)

	_, err := newClient(t).RequestReply(context.Background(), message.New("PING"), tr.Addr().String())
	assert.ErrorIs(t, err, udpreq.ErrTimeout)

	_, err = newClient(t).RequestReply(context.Background(), message.New(message.AliveOK), tr.Addr().String())
	assert.ErrorIs(t, err, udpreq.ErrTimeout)
}

func TestTrackerIgnoresInvalidRequests(t *testing.T) {
	stats := tally.NewTestScope("", nil)
	tr := startTracker(t, stats)
	client := newClient(t)
	addr := tr.Addr().String()

	missingFiles := message.New(message.Join)
	missingFiles.Add(message.FieldAddress, "127.0.0.1:9001")
	_, err := client.RequestReply(context.Background(), missingFiles, addr)
	assert.ErrorIs(t, err, udpreq.ErrTimeout)

	_, err = client.RequestReply(context.Background(), message.NewJoin("127.0.0.1_9001", []string{"a.mp4"}), addr)
	assert.ErrorIs(t, err, udpreq.ErrTimeout)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not bencode"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stats.Snapshot().Counters()["tracker.malformed+"].Value() == 7
	}, time.Second, 10*time.Millisecond)

	peers, files := tr.Directory().Size()
	assert.Zero(t, peers)
	assert.Zero(t, files)
}

func TestTrackerServesConcurrentPeers(t *testing.T) {
	tr := startTracker(t, nil)
	addr := tr.Addr().String()

	const peers = 20
	errs := make(chan error, peers)
	for i := range peers {
		go func() {
			self := message.JoinAddress("127.0.0.1", 9100+i)
			_, err := newClient(t).RequestReply(context.Background(), message.NewJoin(self, []string{"shared.mp4"}), addr)
			errs <- err
		}()
	}
	for range peers {
		require.NoError(t, <-errs)
	}

	assert.Len(t, tr.Directory().Search("shared.mp4"), peers)
	require.NoError(t, tr.Directory().Check())
}

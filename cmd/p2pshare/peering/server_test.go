package peering

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap/zaptest"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// startServer serves dir on a loopback port and returns the address.
func startServer(t *testing.T, dir string, admit AdmissionPolicy, stats tally.Scope) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(dir, 1024, admit, zaptest.NewLogger(t), stats)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		assert.NoError(t, <-done)
	})
	return ln.Addr().String()
}

func writeFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return data
}

func request(t *testing.T, addr, file string) (net.Conn, message.Message, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, message.WriteFrame(conn, message.NewDownload(file)))
	reply, err := message.ReadFrame(conn)
	return conn, reply, err
}

func TestServerSendsAcceptedFile(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "movie.mp4", 10_000)
	stats := tally.NewTestScope("", nil)
	addr := startServer(t, dir, AlwaysAccept, stats)

	conn, reply, err := request(t, addr, "movie.mp4")
	require.NoError(t, err)
	require.Equal(t, message.DownloadOK, reply.Title)

	var accepted message.DownloadAccepted
	require.NoError(t, message.Bind(reply, &accepted))
	size, err := accepted.Bytes()
	require.NoError(t, err)
	assert.EqualValues(t, len(data), size)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestServerDenies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "movie.mp4", 100)
	addr := startServer(t, dir, AlwaysDeny, nil)

	conn, reply, err := request(t, addr, "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, message.DownloadDenied, reply.Title)

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestServerClosesWithoutReply(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".hidden.mp4", 100)
	addr := startServer(t, dir, AlwaysAccept, nil)

	for _, name := range []string{"missing.mp4", "../movie.mp4", "sub/movie.mp4", ".hidden.mp4", ""} {
		t.Run(name, func(t *testing.T) {
			_, _, err := request(t, addr, name)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestServerCloseBeforeServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(t.TempDir(), 0, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Serve(ln))

	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestRandomAdmission(t *testing.T) {
	always := RandomAdmission(1, 1)
	never := RandomAdmission(0, 1)
	half := RandomAdmission(0.5, 42)

	accepted := 0
	for range 1000 {
		assert.True(t, always("f"))
		assert.False(t, never("f"))
		if half("f") {
			accepted++
		}
	}
	assert.InDelta(t, 500, accepted, 100)
}

func TestListShared(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.mp4", 1)
	writeFile(t, dir, "a.mp4", 1)
	writeFile(t, dir, "notes.txt", 1)
	writeFile(t, dir, ".a.mp4.123.part", 1)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.mp4"), 0o755))

	files, err := ListShared(dir, ".mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, files)

	_, err = ListShared(filepath.Join(dir, "absent"), ".mp4")
	assert.Error(t, err)
}

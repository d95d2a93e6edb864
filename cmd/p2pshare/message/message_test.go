package message

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPreservesShapes(t *testing.T) {
	m := New(SearchOK)
	m.Add(FieldPeers, NewSet("127.0.0.1:9001", "127.0.0.1:9002"))
	m.Add(FieldFiles, []string{"b.mp4", "a.mp4", "a.mp4"})
	m.Add(FieldAddress, "10.0.0.1:7000")
	m.Add("empty_list", []string{})
	m.Add("empty_set", NewSet())
	m.Add("blank", "")

	encoded, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := NewJoin("127.0.0.1:9001", []string{"x.mp4"})
	m.Add(FieldPeers, NewSet("c", "a", "b"))

	first, err := Encode(m)
	require.NoError(t, err)
	for range 10 {
		again, err := Encode(m.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncodeRejectsUnsupportedValues(t *testing.T) {
	m := New(Join)
	m.Add("port", 42)
	_, err := Encode(m)
	assert.Error(t, err)

	_, err = Encode(Message{})
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"garbage",
		"d5:title4:JOINe",                           // no fields
		"d6:fieldsdee",                              // no title
		"d6:fieldsde5:title0:e",                     // empty title
		"d6:fieldsd1:ai1ee5:title4:JOINe",           // integer field
		"d6:fieldsd1:ali1eee5:title4:JOINe",         // list of integers
		"d6:fieldsd1:ad1:xi2eee5:title4:JOINe",      // bad set marker
		"d6:fieldsde5:title4:JOINeXYZ",              // trailing bytes
		"l6:fieldse",                                // not a dictionary
	} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestFrameRoundTripOverStream(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteFrame(&stream, NewDownload("movie.mp4")))
	require.NoError(t, WriteFrame(&stream, NewDownloadAccepted(1234)))
	stream.WriteString("raw payload")

	first, err := ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, Download, first.Title)

	second, err := ReadFrame(&stream)
	require.NoError(t, err)
	var accepted DownloadAccepted
	require.NoError(t, Bind(second, &accepted))
	size, err := accepted.Bytes()
	require.NoError(t, err)
	assert.EqualValues(t, 1234, size)

	rest, err := io.ReadAll(&stream)
	require.NoError(t, err)
	assert.Equal(t, "raw payload", string(rest))
}

func TestReadFrameErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 'd'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMarshalDatagramTooLarge(t *testing.T) {
	files := make([]string, 0, 200)
	for range 200 {
		files = append(files, strings.Repeat("x", 60)+".mp4")
	}
	_, err := MarshalDatagram(NewJoin("127.0.0.1:9000", files))
	assert.ErrorIs(t, err, ErrTooLarge)

	small, err := MarshalDatagram(NewLeave("127.0.0.1:9000"))
	require.NoError(t, err)
	decoded, err := UnmarshalDatagram(small)
	require.NoError(t, err)
	assert.Equal(t, Leave, decoded.Title)
}

func TestBind(t *testing.T) {
	var join JoinRequest
	require.NoError(t, Bind(NewJoin("127.0.0.1:9000", []string{"a.mp4"}), &join))
	assert.Equal(t, JoinRequest{Files: []string{"a.mp4"}, Address: "127.0.0.1:9000"}, join)

	var reply SearchReply
	ok := New(SearchOK)
	ok.Add(FieldPeers, NewSet())
	require.NoError(t, Bind(ok, &reply))
	assert.Empty(t, reply.Peers)

	missing := New(Join)
	missing.Add(FieldAddress, "127.0.0.1:9000")
	assert.ErrorIs(t, Bind(missing, &join), ErrMalformed)

	mistyped := New(Join)
	mistyped.Add(FieldFiles, "a.mp4")
	mistyped.Add(FieldAddress, "127.0.0.1:9000")
	assert.ErrorIs(t, Bind(mistyped, &join), ErrMalformed)
}

func TestWithIDAndReply(t *testing.T) {
	req := NewLeave("127.0.0.1:9000").WithID()
	require.NotEmpty(t, req.ID())
	assert.Equal(t, req.ID(), req.WithID().ID())

	reply := ReplyTo(req, LeaveOK)
	assert.Equal(t, req.ID(), reply.ID())
	assert.Empty(t, ReplyTo(NewLeave("x:1"), LeaveOK).ID())
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewJoin("127.0.0.1:9000", []string{"a.mp4"})
	orig.Add(FieldPeers, NewSet("p"))
	c := orig.Clone()
	c.Fields[FieldFiles].([]string)[0] = "changed"
	c.Fields[FieldPeers].(Set).Add("q")

	assert.Equal(t, []string{"a.mp4"}, orig.Fields[FieldFiles])
	assert.Equal(t, NewSet("p"), orig.Fields[FieldPeers])
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(JoinAddress("127.0.0.1", 9000)))
	assert.NoError(t, ValidateAddress(JoinAddress("::1", 9000)))
	for _, bad := range []string{"", "127.0.0.1", "127.0.0.1_9000", ":9000", "host:0", "host:http"} {
		assert.ErrorIs(t, ValidateAddress(bad), ErrMalformed, bad)
	}
}
